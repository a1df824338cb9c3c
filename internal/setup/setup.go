// Package setup prepares a working copy for deploys: it validates the credential, writes the
// application's .env file, fixes .gitignore, writes a Dockerfile that satisfies the runtime
// contract and makes sure the Artifact Registry repository exists.
package setup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/image"
	"github.com/savaki/run-deployer/internal/registry"
	"github.com/savaki/run-deployer/internal/secret"
	"github.com/savaki/run-deployer/internal/services"
)

const DefaultEnvFile = ".env"

type CredentialFetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, *services.ServiceAccountKey, error)
}

type RepositoryManager interface {
	EnsureRepository(ctx context.Context, project, region, repository string) (*registry.RepositoryInfo, error)
	ConfigureDocker(ctx context.Context, host string) error
}

// ParameterStoreFactory opens the parameter store named by source.
type ParameterStoreFactory func(ctx context.Context, source string) (services.ParameterStore, error)

// Options controls a setup run
type Options struct {
	EnvFile         string // relative to the build context unless absolute
	ParameterSource string // "env" or "ssm://<path>"
	Force           bool   // overwrite an existing .env
	SkipRegistry    bool
}

// Report describes what setup changed
type Report struct {
	ClientEmail       string
	EnvFile           string
	EnvWritten        bool
	GitIgnored        []string // entries appended to .gitignore
	DockerIgnored     []string // entries appended to .dockerignore
	DockerfileWritten bool
	Repository        *registry.RepositoryInfo
}

type Setup struct {
	cfg       config.Config
	creds     CredentialFetcher
	newParams ParameterStoreFactory
	repos     RepositoryManager
}

func New(cfg config.Config, creds CredentialFetcher, newParams ParameterStoreFactory, repos RepositoryManager) *Setup {
	return &Setup{
		cfg:       cfg,
		creds:     creds,
		newParams: newParams,
		repos:     repos,
	}
}

// Run performs every setup step in order and stops at the first failure. Each step is
// idempotent, so running setup again after fixing the problem is safe.
func (s *Setup) Run(ctx context.Context, opts Options) (*Report, error) {
	logger := zerolog.Ctx(ctx)
	report := &Report{EnvFile: s.envPath(opts)}

	if err := s.cfg.Validate(); err != nil {
		return report, err
	}

	_, key, err := s.creds.Fetch(ctx, s.cfg.CredentialsSource)
	if err != nil {
		return report, err
	}
	report.ClientEmail = key.ClientEmail
	logger.Info().Str("client_email", key.ClientEmail).Msg("credential file is valid")

	written, err := s.writeEnv(ctx, report.EnvFile, opts)
	if err != nil {
		return report, err
	}
	report.EnvWritten = written

	report.GitIgnored, err = secret.EnsureGitIgnored(s.cfg.BuildContext, s.gitIgnoreEntries(report.EnvFile)...)
	if err != nil {
		return report, fmt.Errorf("failed to update .gitignore: %w", err)
	}
	for _, entry := range report.GitIgnored {
		logger.Info().Str("entry", entry).Msg("added to .gitignore")
	}
	report.DockerIgnored, err = secret.EnsureDockerIgnored(s.cfg.BuildContext, s.dockerIgnoreEntries()...)
	if err != nil {
		return report, fmt.Errorf("failed to update .dockerignore: %w", err)
	}
	for _, entry := range report.DockerIgnored {
		logger.Info().Str("entry", entry).Msg("added to .dockerignore")
	}

	report.DockerfileWritten, err = s.writeDockerfile()
	if err != nil {
		return report, err
	}
	if report.DockerfileWritten {
		logger.Info().Str("path", s.cfg.DockerfilePath()).Msg("wrote Dockerfile")
	}

	if opts.SkipRegistry {
		logger.Info().Msg("skipping artifact registry setup")
		return report, nil
	}
	report.Repository, err = s.repos.EnsureRepository(ctx, s.cfg.Project, s.cfg.Region, s.cfg.Repository)
	if err != nil {
		return report, err
	}
	if err := s.repos.ConfigureDocker(ctx, s.cfg.RegistryHost()); err != nil {
		return report, err
	}

	return report, nil
}

func (s *Setup) envPath(opts Options) string {
	path := opts.EnvFile
	if path == "" {
		path = DefaultEnvFile
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.cfg.BuildContext, path)
}

// writeEnv loads the application parameters and writes them as KEY=value lines. An existing
// file is kept unless opts.Force is set.
func (s *Setup) writeEnv(ctx context.Context, path string, opts Options) (bool, error) {
	if _, err := os.Stat(path); err == nil && !opts.Force {
		zerolog.Ctx(ctx).Info().Str("path", path).Msg("env file exists, leaving it in place")
		return false, nil
	}

	store, err := s.newParams(ctx, opts.ParameterSource)
	if err != nil {
		return false, err
	}
	params, err := store.GetAppParameters(ctx)
	if err != nil {
		return false, err
	}
	if missing := params.Missing(); len(missing) > 0 {
		return false, fmt.Errorf("%w: %s", errors.ErrMissingAppParameter, strings.Join(missing, ", "))
	}

	values := map[string]string{
		"GCS_BUCKET_NAME":                params.BucketName,
		"GOOGLE_SHEETS_ID":               params.SheetsID,
		"TEAM_SHEETS_ID":                 params.TeamSheetsID,
		"GOOGLE_APPLICATION_CREDENTIALS": s.localCredentials(),
	}
	if err := os.WriteFile(path, renderEnv(values), 0o600); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// localCredentials is the credential path a local run of the application reads: the local
// source relative to the build context, or absolute when it lies outside. Remote sources only
// exist locally as the staged copy.
func (s *Setup) localCredentials() string {
	if !services.IsLocal(s.cfg.CredentialsSource) {
		return s.cfg.StagedSecret
	}
	source := strings.TrimPrefix(s.cfg.CredentialsSource, "file://")
	if rel, ok := s.inContext(source); ok {
		return rel
	}
	if abs, err := filepath.Abs(source); err == nil {
		return abs
	}
	return source
}

func renderEnv(values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		v := values[k]
		if strings.ContainsAny(v, " \t#\"'") {
			v = strconv.Quote(v)
		}
		fmt.Fprintf(&buf, "%s=%s\n", k, v)
	}
	return buf.Bytes()
}

// gitIgnoreEntries lists what must stay out of version control: the staged credential, the
// env file, the local state directory and a local credential source.
func (s *Setup) gitIgnoreEntries(envPath string) []string {
	entries := []string{filepath.ToSlash(s.cfg.StagedSecret)}
	if rel, ok := s.inContext(envPath); ok {
		entries = append(entries, rel)
	}
	return dedupe(append(entries, s.privateEntries()...))
}

// dockerIgnoreEntries lists what must stay out of the image. The staged credential and the
// env file are deliberately absent: the image needs both.
func (s *Setup) dockerIgnoreEntries() []string {
	return dedupe(s.privateEntries())
}

func (s *Setup) privateEntries() []string {
	var entries []string
	if s.cfg.HistoryDB != "" {
		if rel, ok := s.inContext(filepath.Dir(s.cfg.HistoryDB)); ok && rel != "." {
			entries = append(entries, rel)
		}
	}
	if services.IsLocal(s.cfg.CredentialsSource) {
		if rel, ok := s.inContext(strings.TrimPrefix(s.cfg.CredentialsSource, "file://")); ok {
			entries = append(entries, rel)
		}
	}
	return entries
}

// inContext returns path relative to the build context, or false when it lies outside.
// Relative paths are taken relative to the working directory, as everywhere else.
func (s *Setup) inContext(path string) (string, bool) {
	root, err := filepath.Abs(s.cfg.BuildContext)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// writeDockerfile renders the canonical Dockerfile unless one already exists.
func (s *Setup) writeDockerfile() (bool, error) {
	path := s.cfg.DockerfilePath()
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	var buf bytes.Buffer
	if err := image.RenderDockerfile(&buf, image.DefaultTemplate(s.cfg.SecretImagePath, s.cfg.Concurrency)); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

func dedupe(entries []string) []string {
	seen := make(map[string]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
