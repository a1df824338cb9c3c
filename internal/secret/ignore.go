package secret

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

const (
	gitIgnoreFile    = ".gitignore"
	dockerIgnoreFile = ".dockerignore"
)

// Policy reports how the ignore files treat the staged secret.
type Policy struct {
	// GitIgnored is true when .gitignore keeps the secret out of version control.
	GitIgnored bool
	// DockerExcluded is true when .dockerignore would drop the secret from the build context.
	DockerExcluded bool
}

// OK reports whether the policy is safe for staging.
func (p Policy) OK() bool {
	return p.GitIgnored && !p.DockerExcluded
}

// CheckPolicy evaluates repoRoot/.gitignore and contextDir/.dockerignore against the staged
// path. Missing ignore files count as "nothing ignored".
func CheckPolicy(repoRoot, contextDir, stagedPath string) (Policy, error) {
	var policy Policy

	gitRel, err := relative(repoRoot, stagedPath)
	if err != nil {
		return policy, err
	}
	gitPatterns, err := readPatterns(filepath.Join(repoRoot, gitIgnoreFile))
	if err != nil {
		return policy, err
	}
	policy.GitIgnored, err = matches(gitPatterns, gitRel, true)
	if err != nil {
		return policy, fmt.Errorf("evaluate %s: %w", gitIgnoreFile, err)
	}

	dockerRel, err := relative(contextDir, stagedPath)
	if err != nil {
		return policy, err
	}
	dockerPatterns, err := readPatterns(filepath.Join(contextDir, dockerIgnoreFile))
	if err != nil {
		return policy, err
	}
	policy.DockerExcluded, err = matches(dockerPatterns, dockerRel, false)
	if err != nil {
		return policy, fmt.Errorf("evaluate %s: %w", dockerIgnoreFile, err)
	}

	return policy, nil
}

// EnsureGitIgnored appends every entry not already ignored to repoRoot/.gitignore and returns
// the entries it added.
func EnsureGitIgnored(repoRoot string, entries ...string) ([]string, error) {
	return ensureIgnored(filepath.Join(repoRoot, gitIgnoreFile), true, entries)
}

// EnsureDockerIgnored is EnsureGitIgnored for contextDir/.dockerignore.
func EnsureDockerIgnored(contextDir string, entries ...string) ([]string, error) {
	return ensureIgnored(filepath.Join(contextDir, dockerIgnoreFile), false, entries)
}

func ensureIgnored(path string, gitStyle bool, entries []string) ([]string, error) {
	patterns, err := readPatterns(path)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, entry := range entries {
		ignored, err := matches(patterns, filepath.ToSlash(entry), gitStyle)
		if err != nil {
			return nil, err
		}
		if !ignored {
			added = append(added, entry)
			patterns = append(patterns, entry)
		}
	}
	if len(added) == 0 {
		return nil, nil
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteByte('\n')
	}
	for _, entry := range added {
		buf.WriteString(entry)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", path, err)
	}
	return added, nil
}

func readPatterns(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	patterns, err := ignorefile.ReadAll(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return patterns, nil
}

// matches evaluates rel against patterns. With gitStyle, a pattern without an inner slash
// also matches at any depth, as git does.
func matches(patterns []string, rel string, gitStyle bool) (bool, error) {
	if len(patterns) == 0 {
		return false, nil
	}
	if gitStyle {
		patterns = expandGitPatterns(patterns)
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return false, err
	}
	return pm.MatchesOrParentMatches(rel)
}

func expandGitPatterns(patterns []string) []string {
	expanded := make([]string, 0, len(patterns)*2)
	for _, p := range patterns {
		negate := strings.HasPrefix(p, "!")
		body := strings.TrimPrefix(p, "!")
		body = strings.TrimSuffix(body, "/")
		prefix := ""
		if negate {
			prefix = "!"
		}

		if strings.HasPrefix(body, "/") {
			expanded = append(expanded, prefix+strings.TrimPrefix(body, "/"))
			continue
		}
		expanded = append(expanded, prefix+body)
		if !strings.Contains(body, "/") && !strings.HasPrefix(body, "**") {
			expanded = append(expanded, prefix+"**/"+body)
		}
	}
	return expanded
}

func relative(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside %s", path, root)
	}
	return filepath.ToSlash(rel), nil
}
