// Package pipeline runs the deploy steps in order: stage the credential, build the image,
// remove the credential, push the image, deploy the service.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/config"
	"github.com/savaki/run-deployer/internal/dao/historydao"
	"github.com/savaki/run-deployer/internal/errors"
	"github.com/savaki/run-deployer/internal/image"
	"github.com/savaki/run-deployer/internal/platform"
	"github.com/savaki/run-deployer/internal/policy"
	"github.com/savaki/run-deployer/internal/registry"
	"github.com/savaki/run-deployer/internal/secret"
	"github.com/savaki/run-deployer/internal/services"
	"github.com/savaki/run-deployer/internal/shell"
	"github.com/segmentio/ksuid"
)

// State is a pipeline position
type State string

const (
	StateStart           State = "START"
	StateSecretStaged    State = "SECRET_STAGED"
	StateImageBuilt      State = "IMAGE_BUILT"
	StateSecretRemoved   State = "SECRET_REMOVED"
	StateImagePushed     State = "IMAGE_PUSHED"
	StateServiceDeployed State = "SERVICE_DEPLOYED"
	StateAborted         State = "ABORTED"
)

type CredentialFetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, *services.ServiceAccountKey, error)
}

type ImageBuilder interface {
	Build(ctx context.Context, input image.BuildInput) error
}

type ImagePublisher interface {
	Push(ctx context.Context, reference string) error
	Digest(ctx context.Context, reference string) (string, error)
}

type ServiceDeployer interface {
	Deploy(ctx context.Context, desc config.Descriptor, reference string) (*platform.DeployResult, error)
}

// PolicyChecker evaluates the deploy policy. *policy.Validator satisfies it.
type PolicyChecker interface {
	ValidateDeployment(ctx context.Context, cfg config.Config) (*policy.ValidationResult, error)
}

// HistoryRecorder persists runs. *historydao.DAO satisfies it.
type HistoryRecorder interface {
	Create(ctx context.Context, input historydao.CreateInput) (historydao.Record, error)
	Update(ctx context.Context, input historydao.UpdateInput) error
}

// Result describes a completed or aborted run
type Result struct {
	RunID  string
	Image  string // the single reference handed to both push and deploy
	Digest string
	States []State // every state entered, in order
	Deploy *platform.DeployResult
}

// Final returns the last state entered.
func (r *Result) Final() State {
	if len(r.States) == 0 {
		return StateStart
	}
	return r.States[len(r.States)-1]
}

// Pipeline runs one deployment at a time.
type Pipeline struct {
	cfg       config.Config
	creds     CredentialFetcher
	builder   ImageBuilder
	publisher ImagePublisher
	deployer  ServiceDeployer
	history   HistoryRecorder // optional
	policy    PolicyChecker   // optional
}

// New creates a Pipeline. history may be nil.
func New(cfg config.Config, creds CredentialFetcher, builder ImageBuilder, publisher ImagePublisher, deployer ServiceDeployer, history HistoryRecorder) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		creds:     creds,
		builder:   builder,
		publisher: publisher,
		deployer:  deployer,
		history:   history,
	}
}

// WithPolicy makes preflight reject deployments the policy does not allow.
func (p *Pipeline) WithPolicy(checker PolicyChecker) *Pipeline {
	p.policy = checker
	return p
}

// Run executes the pipeline. Every step is gated on the previous one succeeding. Once the
// credential has been staged it is removed on every path out of Run, including errors and
// context cancellation. A failed removal is logged and never replaces the step's result.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		RunID: ksuid.New().String(),
		Image: p.cfg.ImageReference(),
	}
	logger := zerolog.Ctx(ctx).With().
		Str("run_id", result.RunID).
		Str("image", result.Image).
		Logger()
	ctx = logger.WithContext(ctx)

	run := &runRecorder{history: p.history, result: result}
	run.start(ctx, p.cfg)

	if err := p.preflight(ctx); err != nil {
		return result, run.abort(ctx, err)
	}

	data, key, err := p.creds.Fetch(ctx, p.cfg.CredentialsSource)
	if err != nil {
		return result, run.abort(ctx, err)
	}
	logger.Info().Str("client_email", key.ClientEmail).Msg("loaded service account credentials")

	extraArgs, err := shell.SplitArgs(p.cfg.BuildArgs)
	if err != nil {
		return result, run.abort(ctx, err)
	}

	staged, err := secret.Stage(data, p.cfg.StagedSecretPath())
	if err != nil {
		return result, run.abort(ctx, err)
	}
	defer removeSecret(ctx, staged)
	run.enter(ctx, StateSecretStaged)

	err = p.builder.Build(ctx, image.BuildInput{
		Reference:  result.Image,
		ContextDir: p.cfg.BuildContext,
		Dockerfile: p.cfg.DockerfilePath(),
		ExtraArgs:  extraArgs,
	})
	if err != nil {
		return result, run.abort(ctx, err)
	}
	run.enter(ctx, StateImageBuilt)

	removeSecret(ctx, staged)
	run.enter(ctx, StateSecretRemoved)

	if err := p.publisher.Push(ctx, result.Image); err != nil {
		return result, run.abort(ctx, err)
	}
	run.enter(ctx, StateImagePushed)

	if digest, err := p.publisher.Digest(ctx, result.Image); err != nil {
		logger.Warn().Err(err).Msg("pushed image but failed to resolve its digest")
	} else {
		result.Digest = digest
		run.digest(ctx, digest)
	}

	deployed, err := p.deployer.Deploy(ctx, p.cfg.Descriptor(), result.Image)
	if err != nil {
		return result, run.abort(ctx, err)
	}
	result.Deploy = deployed
	run.succeed(ctx)

	logger.Info().
		Str("url", deployed.URL).
		Str("revision", deployed.Revision).
		Bool("created", deployed.Created).
		Msg("deployment complete")

	return result, nil
}

// preflight checks everything that can be checked before the credential touches disk.
func (p *Pipeline) preflight(ctx context.Context) error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.policy != nil {
		result, err := p.policy.ValidateDeployment(ctx, p.cfg)
		if err != nil {
			return err
		}
		if !result.Allowed {
			return fmt.Errorf("%w: %s", errors.ErrPolicyViolation, strings.Join(result.Violations, "; "))
		}
	}
	if _, err := registry.ParseReference(p.cfg.ImageReference()); err != nil {
		return err
	}
	if err := image.VerifyFile(p.cfg.DockerfilePath(), image.Contract{CredentialsPath: p.cfg.SecretImagePath}); err != nil {
		return err
	}

	ignored, err := secret.CheckPolicy(p.cfg.BuildContext, p.cfg.BuildContext, p.cfg.StagedSecretPath())
	logger := zerolog.Ctx(ctx)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("unable to evaluate ignore files")
	case ignored.OK():
		logger.Debug().Str("path", p.cfg.StagedSecret).Msg("ignore files keep the staged credential out of git and in the image")
	case !ignored.GitIgnored:
		logger.Warn().Str("path", p.cfg.StagedSecret).Msg(".gitignore does not exclude the staged credential; run setup")
	default:
		logger.Warn().Str("path", p.cfg.StagedSecret).Msg(".dockerignore excludes the staged credential; the image will not contain it")
	}
	return nil
}

func removeSecret(ctx context.Context, staged *secret.Staged) {
	if err := staged.Remove(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", staged.Path()).Msg("failed to remove staged credential")
	}
}

// runRecorder tracks states on the result and mirrors them to history. History writes are
// best effort.
type runRecorder struct {
	history HistoryRecorder
	result  *Result
	created bool
}

func (r *runRecorder) start(ctx context.Context, cfg config.Config) {
	r.result.States = append(r.result.States, StateStart)
	if r.history == nil {
		return
	}
	_, err := r.history.Create(ctx, historydao.CreateInput{
		ID:      r.result.RunID,
		Project: cfg.Project,
		Service: cfg.Service,
		Region:  cfg.Region,
		Image:   r.result.Image,
		State:   string(StateStart),
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to record run in history")
		return
	}
	r.created = true
}

func (r *runRecorder) enter(ctx context.Context, state State) {
	r.result.States = append(r.result.States, state)
	zerolog.Ctx(ctx).Debug().Str("state", string(state)).Msg("pipeline state")
	s := string(state)
	r.update(ctx, historydao.UpdateInput{State: &s})
}

func (r *runRecorder) digest(ctx context.Context, digest string) {
	r.update(ctx, historydao.UpdateInput{Digest: &digest})
}

func (r *runRecorder) succeed(ctx context.Context) {
	r.result.States = append(r.result.States, StateServiceDeployed)
	state := string(StateServiceDeployed)
	status := historydao.RunStatusSuccess
	r.update(ctx, historydao.UpdateInput{State: &state, Status: &status})
}

func (r *runRecorder) abort(ctx context.Context, cause error) error {
	r.result.States = append(r.result.States, StateAborted)
	state := string(StateAborted)
	status := historydao.RunStatusFailed
	msg := cause.Error()
	r.update(ctx, historydao.UpdateInput{State: &state, Status: &status, ErrorMsg: &msg})
	return fmt.Errorf("deploy aborted: %w", cause)
}

func (r *runRecorder) update(ctx context.Context, input historydao.UpdateInput) {
	if !r.created {
		return
	}
	input.ID = r.result.RunID
	if err := r.history.Update(ctx, input); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to update run history")
	}
}
