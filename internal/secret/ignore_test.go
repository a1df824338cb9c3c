package secret

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPolicy(t *testing.T) {
	tests := []struct {
		name         string
		gitignore    string
		dockerignore string
		want         Policy
	}{
		{
			name: "no ignore files",
			want: Policy{},
		},
		{
			name:      "git ignored by name",
			gitignore: "*.pyc\ncredentials.json\n",
			want:      Policy{GitIgnored: true},
		},
		{
			name:      "git ignored by glob",
			gitignore: "*.json\n",
			want:      Policy{GitIgnored: true},
		},
		{
			name:      "git negated",
			gitignore: "*.json\n!credentials.json\n",
			want:      Policy{},
		},
		{
			name:         "docker excludes secret",
			gitignore:    "credentials.json\n",
			dockerignore: ".git\n*.json\n",
			want:         Policy{GitIgnored: true, DockerExcluded: true},
		},
		{
			name:         "docker excludes other files only",
			gitignore:    "credentials.json\n",
			dockerignore: ".git\n__pycache__\n",
			want:         Policy{GitIgnored: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.gitignore != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(tt.gitignore), 0o644))
			}
			if tt.dockerignore != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte(tt.dockerignore), 0o644))
			}

			got, err := CheckPolicy(dir, dir, filepath.Join(dir, "credentials.json"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.GitIgnored && !tt.want.DockerExcluded, got.OK())
		})
	}
}

func TestCheckPolicy_NestedContext(t *testing.T) {
	root := t.TempDir()
	contextDir := filepath.Join(root, "app")
	require.NoError(t, os.Mkdir(contextDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("credentials.json\n"), 0o644))

	got, err := CheckPolicy(root, contextDir, filepath.Join(contextDir, "credentials.json"))
	require.NoError(t, err)
	assert.True(t, got.GitIgnored)
	assert.False(t, got.DockerExcluded)
}

func TestCheckPolicy_Outside(t *testing.T) {
	root := t.TempDir()
	_, err := CheckPolicy(filepath.Join(root, "a"), filepath.Join(root, "a"), filepath.Join(root, "b", "credentials.json"))
	assert.Error(t, err)
}

func TestEnsureGitIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitignore")
	require.NoError(t, os.WriteFile(path, []byte("venv/\n.env"), 0o644))

	added, err := EnsureGitIgnored(dir, ".env", "credentials.json", ".run-deployer/")
	require.NoError(t, err)
	assert.Equal(t, []string{"credentials.json", ".run-deployer/"}, added)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "venv/\n.env\ncredentials.json\n.run-deployer/\n", string(data))

	added, err = EnsureGitIgnored(dir, ".env", "credentials.json")
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestEnsureGitIgnored_NoFile(t *testing.T) {
	dir := t.TempDir()
	added, err := EnsureGitIgnored(dir, "credentials.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"credentials.json"}, added)

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "credentials.json\n", string(data))
}

func TestEnsureDockerIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte(".git\n"), 0o644))

	added, err := EnsureDockerIgnored(dir, ".run-deployer", ".git")
	require.NoError(t, err)
	assert.Equal(t, []string{".run-deployer"}, added)

	policy, err := CheckPolicy(dir, dir, filepath.Join(dir, ".run-deployer", "credentials.json"))
	require.NoError(t, err)
	assert.True(t, policy.DockerExcluded)

	// the staged credential itself stays in the context
	policy, err = CheckPolicy(dir, dir, filepath.Join(dir, "credentials.json"))
	require.NoError(t, err)
	assert.False(t, policy.DockerExcluded)
}
