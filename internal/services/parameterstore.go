package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/kelseyhightower/envconfig"
	"github.com/savaki/run-deployer/internal/errors"
)

const ssmScheme = "ssm://"

// AppParameters holds the settings the deployed application reads from its environment.
type AppParameters struct {
	BucketName   string `envconfig:"GCS_BUCKET_NAME"`
	SheetsID     string `envconfig:"GOOGLE_SHEETS_ID"`
	TeamSheetsID string `envconfig:"TEAM_SHEETS_ID"`
}

// ParameterStore defines where application parameters come from
type ParameterStore interface {
	// GetAppParameters loads every application parameter
	GetAppParameters(ctx context.Context) (*AppParameters, error)
}

// SSMGetter is the subset of the SSM client used here.
type SSMGetter interface {
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager Parameter Store.
// Parameters live under {path}/gcs-bucket-name, {path}/google-sheets-id and {path}/team-sheets-id.
type SSMParameterStore struct {
	client SSMGetter
	path   string
}

// NewSSMParameterStore creates a new SSM-backed parameter store
func NewSSMParameterStore(client SSMGetter, path string) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		path:   "/" + strings.Trim(path, "/"),
	}
}

// GetAppParameters loads all application parameters under the store's path
func (s *SSMParameterStore) GetAppParameters(ctx context.Context) (*AppParameters, error) {
	params := make(map[string]string)
	var nextToken *string
	for {
		result, err := s.client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           &s.path,
			Recursive:      boolPtr(true),
			WithDecryption: boolPtr(true),
			NextToken:      nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters by path %s: %w", s.path, err)
		}
		for _, param := range result.Parameters {
			if param.Name != nil && param.Value != nil {
				params[*param.Name] = *param.Value
			}
		}
		if result.NextToken == nil {
			break
		}
		nextToken = result.NextToken
	}

	return &AppParameters{
		BucketName:   params[s.path+"/gcs-bucket-name"],
		SheetsID:     params[s.path+"/google-sheets-id"],
		TeamSheetsID: params[s.path+"/team-sheets-id"],
	}, nil
}

// EnvParameterStore implements ParameterStore using environment variables
type EnvParameterStore struct{}

// NewEnvParameterStore creates a new environment variable-backed parameter store
func NewEnvParameterStore() *EnvParameterStore {
	return &EnvParameterStore{}
}

// GetAppParameters loads application parameters from environment variables
func (e *EnvParameterStore) GetAppParameters(_ context.Context) (*AppParameters, error) {
	var params AppParameters
	if err := envconfig.Process("", &params); err != nil {
		return nil, fmt.Errorf("failed to read application parameters from environment: %w", err)
	}
	return &params, nil
}

// NewParameterStore picks a store from source: "env" (or empty) for environment variables,
// "ssm://<path>" for SSM Parameter Store.
func NewParameterStore(ctx context.Context, source string) (ParameterStore, error) {
	switch {
	case source == "" || source == "env":
		return NewEnvParameterStore(), nil
	case strings.HasPrefix(source, ssmScheme):
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return NewSSMParameterStore(ssm.NewFromConfig(cfg), strings.TrimPrefix(source, ssmScheme)), nil
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnsupportedSource, source)
	}
}

// Missing returns the environment variable names of empty parameters.
func (p AppParameters) Missing() []string {
	var missing []string
	if p.BucketName == "" {
		missing = append(missing, "GCS_BUCKET_NAME")
	}
	if p.SheetsID == "" {
		missing = append(missing, "GOOGLE_SHEETS_ID")
	}
	if p.TeamSheetsID == "" {
		missing = append(missing, "TEAM_SHEETS_ID")
	}
	return missing
}

func boolPtr(b bool) *bool {
	return &b
}
