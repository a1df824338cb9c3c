package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandString(t *testing.T) {
	cmd := Command{
		Name: "gcloud",
		Args: []string{"run", "deploy", "image-voting", "--format", "value(status.url)"},
	}
	assert.Equal(t, `gcloud run deploy image-voting --format "value(status.url)"`, cmd.String())
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "blank", raw: "   ", want: nil},
		{name: "simple", raw: "--platform linux/amd64", want: []string{"--platform", "linux/amd64"}},
		{name: "quoted", raw: `--label "team=image voting" --pull`, want: []string{"--label", "team=image voting", "--pull"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitArgs(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitArgs_Unterminated(t *testing.T) {
	_, err := SplitArgs(`--label "oops`)
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Command: "docker push", ExitCode: 3})))
	assert.Equal(t, -1, ExitCode(fmt.Errorf("plain")))
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var (
		ctx    = context.Background()
		runner = NewExecRunner()
	)

	t.Run("success", func(t *testing.T) {
		var out bytes.Buffer
		err := runner.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo hello"}, Stdout: &out})
		require.NoError(t, err)
		assert.Equal(t, "hello\n", out.String())
	})

	t.Run("nonzero", func(t *testing.T) {
		err := runner.Run(ctx, Command{Name: "sh", Args: []string{"-c", "exit 7"}})
		require.Error(t, err)
		assert.Equal(t, 7, ExitCode(err))
	})

	t.Run("missing binary", func(t *testing.T) {
		err := runner.Run(ctx, Command{Name: "definitely-not-a-real-binary-xyz"})
		require.Error(t, err)
		assert.Equal(t, -1, ExitCode(err))
	})
}
