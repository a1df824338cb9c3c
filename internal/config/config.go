// Package config holds the explicit configuration object that every pipeline step receives.
// It is resolved once when a command starts and never re-read while the command runs.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/shell"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile      = "deployer.yaml"
	DefaultRegion          = "us-central1"
	DefaultRepository      = "image-voting"
	DefaultService         = "image-voting"
	DefaultTag             = "latest"
	DefaultMemory          = "512Mi"
	DefaultConcurrency     = 8
	DefaultBuildContext    = "."
	DefaultDockerfile      = "Dockerfile"
	DefaultCredentials     = ".run-deployer/credentials.json"
	DefaultStagedSecret    = "credentials.json"
	DefaultSecretImagePath = "/app/credentials.json"
	DefaultHistoryDB       = ".run-deployer/history.db"

	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

var memoryPattern = regexp.MustCompile(`^[1-9][0-9]*(Mi|Gi)$`)

// Config is the deployment configuration for a single service.
type Config struct {
	Project    string `yaml:"project"`
	Region     string `yaml:"region"`
	Repository string `yaml:"repository"`
	Service    string `yaml:"service"`
	Tag        string `yaml:"tag"`

	Memory       string `yaml:"memory"`
	Concurrency  int    `yaml:"concurrency"`
	MaxInstances int    `yaml:"max_instances"`
	Visibility   string `yaml:"visibility"` // public or private

	BuildContext string `yaml:"build_context"`
	Dockerfile   string `yaml:"dockerfile"` // relative to BuildContext
	BuildArgs    string `yaml:"build_args"` // shell-quoted extra docker build arguments

	CredentialsSource string `yaml:"credentials_source"` // file path or secretsmanager://<secret-id>
	StagedSecret      string `yaml:"staged_secret"`      // relative to BuildContext
	SecretImagePath   string `yaml:"secret_image_path"`  // where the Dockerfile copies the secret

	HistoryDB string `yaml:"history_db"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Region:            DefaultRegion,
		Repository:        DefaultRepository,
		Service:           DefaultService,
		Tag:               DefaultTag,
		Memory:            DefaultMemory,
		Concurrency:       DefaultConcurrency,
		Visibility:        VisibilityPublic,
		BuildContext:      DefaultBuildContext,
		Dockerfile:        DefaultDockerfile,
		CredentialsSource: DefaultCredentials,
		StagedSecret:      DefaultStagedSecret,
		SecretImagePath:   DefaultSecretImagePath,
		HistoryDB:         DefaultHistoryDB,
	}
}

// LoadFile reads a YAML config file. When optional is true a missing file yields an empty
// Config rather than an error.
func LoadFile(path string, optional bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if len(bytes.TrimSpace(data)) == 0 {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Merge returns c with every non-zero field of override applied on top.
func (c Config) Merge(override Config) Config {
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}

	str(&c.Project, override.Project)
	str(&c.Region, override.Region)
	str(&c.Repository, override.Repository)
	str(&c.Service, override.Service)
	str(&c.Tag, override.Tag)
	str(&c.Memory, override.Memory)
	num(&c.Concurrency, override.Concurrency)
	num(&c.MaxInstances, override.MaxInstances)
	str(&c.Visibility, override.Visibility)
	str(&c.BuildContext, override.BuildContext)
	str(&c.Dockerfile, override.Dockerfile)
	str(&c.BuildArgs, override.BuildArgs)
	str(&c.CredentialsSource, override.CredentialsSource)
	str(&c.StagedSecret, override.StagedSecret)
	str(&c.SecretImagePath, override.SecretImagePath)
	str(&c.HistoryDB, override.HistoryDB)
	return c
}

// ImageReference returns {region}-docker.pkg.dev/{project}/{repository}/{service}:{tag}.
func (c Config) ImageReference() string {
	tag := c.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return fmt.Sprintf("%s-docker.pkg.dev/%s/%s/%s:%s", c.Region, c.Project, c.Repository, c.Service, tag)
}

// RegistryHost returns the Artifact Registry host for the configured region.
func (c Config) RegistryHost() string {
	return c.Region + "-docker.pkg.dev"
}

// StagedSecretPath returns where the credential is copied inside the build context.
func (c Config) StagedSecretPath() string {
	return filepath.Join(c.BuildContext, c.StagedSecret)
}

// DockerfilePath returns the Dockerfile location.
func (c Config) DockerfilePath() string {
	if filepath.IsAbs(c.Dockerfile) {
		return c.Dockerfile
	}
	return filepath.Join(c.BuildContext, c.Dockerfile)
}

// Descriptor returns the deployment descriptor derived from c.
func (c Config) Descriptor() Descriptor {
	return Descriptor{
		Project:      c.Project,
		Service:      c.Service,
		Region:       c.Region,
		Memory:       c.Memory,
		Concurrency:  c.Concurrency,
		MaxInstances: c.MaxInstances,
		Public:       c.Visibility == VisibilityPublic,
	}
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var problems []string

	required := map[string]string{
		"project":            c.Project,
		"region":             c.Region,
		"repository":         c.Repository,
		"service":            c.Service,
		"credentials_source": c.CredentialsSource,
		"staged_secret":      c.StagedSecret,
		"secret_image_path":  c.SecretImagePath,
	}
	for _, key := range []string{"project", "region", "repository", "service", "credentials_source", "staged_secret", "secret_image_path"} {
		if strings.TrimSpace(required[key]) == "" {
			problems = append(problems, fmt.Sprintf("%q missing", key))
		}
	}

	if c.Memory != "" && !memoryPattern.MatchString(c.Memory) {
		problems = append(problems, fmt.Sprintf("memory %q invalid (expected e.g. 512Mi or 1Gi)", c.Memory))
	}
	if c.Concurrency < 1 || c.Concurrency > 1000 {
		problems = append(problems, fmt.Sprintf("concurrency %d out of range 1-1000", c.Concurrency))
	}
	if c.MaxInstances < 0 {
		problems = append(problems, fmt.Sprintf("max_instances %d must not be negative", c.MaxInstances))
	}
	if c.Visibility != VisibilityPublic && c.Visibility != VisibilityPrivate {
		problems = append(problems, fmt.Sprintf("visibility %q invalid (expected public or private)", c.Visibility))
	}
	if c.StagedSecret != "" {
		if filepath.IsAbs(c.StagedSecret) || strings.HasPrefix(filepath.Clean(c.StagedSecret), "..") {
			problems = append(problems, fmt.Sprintf("staged_secret %q must be a path inside the build context", c.StagedSecret))
		}
	}
	if source := strings.TrimPrefix(c.CredentialsSource, "file://"); source != "" && !strings.Contains(source, "://") && c.StagedSecret != "" {
		if samePath(source, c.StagedSecretPath()) {
			problems = append(problems, fmt.Sprintf("credentials_source %q is the staged_secret path; staging would delete it", c.CredentialsSource))
		}
	}
	if c.SecretImagePath != "" && !strings.HasPrefix(c.SecretImagePath, "/") {
		problems = append(problems, fmt.Sprintf("secret_image_path %q must be absolute", c.SecretImagePath))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// Descriptor is the deployment descriptor handed to the service deployer.
type Descriptor struct {
	Project      string
	Service      string
	Region       string
	Memory       string
	Concurrency  int
	MaxInstances int
	Public       bool
}

// ResolveProject asks gcloud for the active project. It is called at most once per command.
func ResolveProject(ctx context.Context, runner shell.Runner) (string, error) {
	var out bytes.Buffer
	err := runner.Run(ctx, shell.Command{
		Name:   "gcloud",
		Args:   []string{"config", "get-value", "project"},
		Stdout: &out,
		Stderr: &bytes.Buffer{},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrProjectNotSet, err)
	}

	project := strings.TrimSpace(out.String())
	if project == "" || project == "(unset)" {
		return "", errors.ErrProjectNotSet
	}
	return project, nil
}
