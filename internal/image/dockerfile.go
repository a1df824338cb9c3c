package image

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
	"github.com/savaki/run-deployer/internal/errors"
)

// CredentialsEnv is the variable the application reads its credential path from.
const CredentialsEnv = "GOOGLE_APPLICATION_CREDENTIALS"

//go:embed Dockerfile.tmpl
var dockerfileTemplate string

var (
	portRef     = regexp.MustCompile(`\$\{?PORT\}?`)
	literalBind = regexp.MustCompile(`(--bind|-b)[ =]+[^ ]*:[0-9]+`)
	workersArg  = regexp.MustCompile(`(--workers|-w)[ =]+[0-9]+`)
	threadsArg  = regexp.MustCompile(`--threads[ =]+[0-9]+`)
)

// Contract is what the Dockerfile must guarantee about the runtime.
type Contract struct {
	// CredentialsPath is the expected value of GOOGLE_APPLICATION_CREDENTIALS.
	CredentialsPath string
}

// Template parameterizes the generated Dockerfile.
type Template struct {
	PythonVersion   string
	SecretImagePath string
	Workers         int
	Threads         int
	AppModule       string
}

// DefaultTemplate returns template values sized for the given per-instance concurrency: one
// worker process with one thread per concurrent request.
func DefaultTemplate(secretImagePath string, concurrency int) Template {
	if concurrency < 1 {
		concurrency = 1
	}
	return Template{
		PythonVersion:   "3.12",
		SecretImagePath: secretImagePath,
		Workers:         1,
		Threads:         concurrency,
		AppModule:       "app:app",
	}
}

// RenderDockerfile writes the canonical Dockerfile.
func RenderDockerfile(w io.Writer, data Template) error {
	tmpl, err := template.New("Dockerfile").Parse(dockerfileTemplate)
	if err != nil {
		return fmt.Errorf("parse Dockerfile template: %w", err)
	}
	return tmpl.Execute(w, data)
}

// VerifyFile checks the Dockerfile at path against contract.
func VerifyFile(path string, contract Contract) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrDockerfileContract, err)
	}
	defer f.Close()
	return Verify(f, contract)
}

// Verify parses a Dockerfile and reports every contract violation at once. Only the final
// stage's ENV and CMD/ENTRYPOINT matter since that is what runs.
func Verify(r io.Reader, contract Contract) error {
	result, err := parser.Parse(r)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrDockerfileContract, err)
	}

	var (
		env      = map[string]string{}
		command  string
		execForm bool
	)
	for _, node := range result.AST.Children {
		switch strings.ToLower(node.Value) {
		case "from":
			env = map[string]string{}
			command = ""
		case "env":
			// each pair is three nodes: key, value, separator
			for n := node.Next; n != nil && n.Next != nil; n = n.Next.Next.Next {
				env[n.Value] = unquote(n.Next.Value)
				if n.Next.Next == nil {
					break
				}
			}
		case "cmd", "entrypoint":
			var args []string
			for n := node.Next; n != nil; n = n.Next {
				args = append(args, n.Value)
			}
			command = strings.Join(args, " ")
			execForm = node.Attributes["json"]
		}
	}

	var problems []string
	switch got, ok := env[CredentialsEnv]; {
	case !ok:
		problems = append(problems, fmt.Sprintf("ENV %s is not set", CredentialsEnv))
	case contract.CredentialsPath != "" && got != contract.CredentialsPath:
		problems = append(problems, fmt.Sprintf("ENV %s=%s, expected %s", CredentialsEnv, got, contract.CredentialsPath))
	}

	if command == "" {
		problems = append(problems, "no CMD or ENTRYPOINT")
	} else {
		if !portRef.MatchString(command) {
			problems = append(problems, "CMD does not bind to $PORT")
		} else if execForm && !strings.Contains(command, "sh -c") {
			problems = append(problems, "CMD uses exec form, $PORT is not expanded")
		}
		if literalBind.MatchString(command) {
			problems = append(problems, "CMD binds to a hardcoded port")
		}
		if !workersArg.MatchString(command) {
			problems = append(problems, "CMD does not set a fixed worker count")
		}
		if !threadsArg.MatchString(command) {
			problems = append(problems, "CMD does not set a fixed thread count")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errors.ErrDockerfileContract, strings.Join(problems, "; "))
	}
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
