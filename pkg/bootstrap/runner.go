// Package bootstrap runs ordered remote steps on freshly provisioned hosts:
// it waits for a readiness predicate, connects over SSH with retry for the
// boot race, uploads files and executes commands.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openfroyo/straddle/pkg/credentials"
	"github.com/openfroyo/straddle/pkg/engine"
	"github.com/openfroyo/straddle/pkg/transports/ssh"
)

// Dialer opens a connected transport.
type Dialer func(ctx context.Context, config *ssh.Config) (ssh.Transport, error)

// DialSSH is the default Dialer.
func DialSSH(ctx context.Context, config *ssh.Config) (ssh.Transport, error) {
	client, err := ssh.NewSSHClient(config)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Options tunes a Runner.
type Options struct {
	// ConnectAttempts bounds SSH connection attempts per run.
	ConnectAttempts uint

	// ConnectInitialInterval and ConnectMaxInterval shape the connection backoff.
	ConnectInitialInterval time.Duration
	ConnectMaxInterval     time.Duration

	// ConnectionTimeout bounds a single connection attempt.
	ConnectionTimeout time.Duration

	// StepTimeout applies to steps of specs that do not set one.
	StepTimeout time.Duration

	// KnownHostsPath enables strict host key checking when set.
	KnownHostsPath string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ConnectAttempts:        10,
		ConnectInitialInterval: 2 * time.Second,
		ConnectMaxInterval:     30 * time.Second,
		ConnectionTimeout:      30 * time.Second,
		StepTimeout:            10 * time.Minute,
	}
}

// Runner implements engine.BootstrapRunner.
type Runner struct {
	opts        Options
	credentials credentials.Provider
	dial        Dialer
	predicate   *Predicate
	logger      zerolog.Logger
}

var _ engine.BootstrapRunner = (*Runner)(nil)

// NewRunner creates a new runner. A nil dial uses DialSSH.
func NewRunner(creds credentials.Provider, dial Dialer, opts Options, logger zerolog.Logger) *Runner {
	defaults := DefaultOptions()
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = defaults.ConnectAttempts
	}
	if opts.ConnectInitialInterval <= 0 {
		opts.ConnectInitialInterval = defaults.ConnectInitialInterval
	}
	if opts.ConnectMaxInterval <= 0 {
		opts.ConnectMaxInterval = defaults.ConnectMaxInterval
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaults.StepTimeout
	}
	if dial == nil {
		dial = DialSSH
	}

	return &Runner{
		opts:        opts,
		credentials: creds,
		dial:        dial,
		predicate:   NewPredicate(0),
		logger:      logger.With().Str("component", "bootstrap").Logger(),
	}
}

// Run evaluates readiness, connects and executes every step in order. A
// readiness predicate that does not hold, an unreachable host and a step
// timeout are transient; a failing step is permanent and stops the sequence.
func (r *Runner) Run(ctx context.Context, req *engine.BootstrapRequest) error {
	spec := req.Spec
	logger := r.logger.With().Str("node", req.Node.String()).Str("host", req.Host).Logger()

	if spec.Readiness != "" {
		ready, err := r.predicate.Holds(ctx, spec.Readiness, req.Outputs)
		if err != nil {
			return engine.NewPermanentError("readiness predicate failed", err).
				WithCode(engine.ErrCodeValidation).WithResource(req.Node.String()).WithOperation("bootstrap")
		}
		if !ready {
			logger.Debug().Str("predicate", spec.Readiness).Msg("Host not ready")
			return engine.NewTransientError(fmt.Sprintf("readiness predicate %q does not hold", spec.Readiness), nil).
				WithCode(engine.ErrCodeNotReady).WithResource(req.Node.String()).WithOperation("bootstrap")
		}
	}

	config, err := r.sshConfig(ctx, req)
	if err != nil {
		return err
	}

	transport, err := r.connect(ctx, config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			logger.Debug().Err(err).Msg("Disconnect failed")
		}
	}()

	timeout := spec.StepTimeout
	if timeout <= 0 {
		timeout = r.opts.StepTimeout
	}

	for i, step := range spec.Steps {
		stepLogger := logger.With().Int("step", i+1).Str("description", step.Describe()).Logger()
		stepLogger.Info().Msg("Running bootstrap step")

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		err := r.runStep(stepCtx, transport, step, stepLogger)
		cancel()
		if err != nil {
			return classifyStepError(req.Node, i+1, step, err)
		}
	}

	logger.Info().Int("steps", len(spec.Steps)).Msg("Bootstrap completed")
	return nil
}

func (r *Runner) sshConfig(ctx context.Context, req *engine.BootstrapRequest) (*ssh.Config, error) {
	conn := req.Spec.Connection

	var cred *credentials.Credential
	if conn.Credential != "" {
		if r.credentials == nil {
			return nil, engine.NewPermanentError("no credential provider configured", nil).
				WithCode(engine.ErrCodeCredentialMissing).WithResource(req.Node.String())
		}
		var err error
		cred, err = r.credentials.Resolve(ctx, conn.Credential)
		if err != nil {
			return nil, engine.NewPermanentError("bootstrap credential unavailable", err).
				WithCode(engine.ErrCodeCredentialMissing).WithResource(req.Node.String())
		}
	} else {
		cred = &credentials.Credential{}
	}

	user := conn.User
	if user == "" {
		user = cred.User
	}

	config := ssh.DefaultConfig(req.Host, user)
	if conn.Port > 0 {
		config.Port = conn.Port
	}
	config.ConnectionTimeout = r.opts.ConnectionTimeout
	if r.opts.KnownHostsPath != "" {
		config.KnownHostsPath = r.opts.KnownHostsPath
		config.StrictHostKeyChecking = true
	}

	switch ssh.AuthMethod(conn.AuthMethod) {
	case "", ssh.AuthMethodKey:
		config.AuthMethod = ssh.AuthMethodKey
		config.PrivateKey = []byte(cred.PrivateKey.Reveal())
		if cred.Passphrase.IsSet() {
			config.PrivateKeyPassphrase = []byte(cred.Passphrase.Reveal())
		}
	case ssh.AuthMethodPassword:
		config.AuthMethod = ssh.AuthMethodPassword
		config.Password = cred.Secret.Reveal()
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported auth method %q", conn.AuthMethod), nil).
			WithCode(engine.ErrCodeValidation).WithResource(req.Node.String())
	}

	if err := config.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid connection", err).
			WithCode(engine.ErrCodeValidation).WithResource(req.Node.String())
	}
	return config, nil
}

// connect dials with exponential backoff. Authentication failures stop
// immediately; anything else is retried until the attempt budget is spent.
func (r *Runner) connect(ctx context.Context, config *ssh.Config, logger zerolog.Logger) (ssh.Transport, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.ConnectInitialInterval
	policy.MaxInterval = r.opts.ConnectMaxInterval

	attempt := 0
	operation := func() (ssh.Transport, error) {
		attempt++
		t, err := r.dial(ctx, config)
		if err == nil {
			return t, nil
		}
		if ssh.IsAuthError(err) || !ssh.IsTemporary(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	transport, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.opts.ConnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug().Err(err).Int("attempt", attempt).Dur("next", next).Msg("SSH connection failed, retrying")
		}),
	)
	if err == nil {
		return transport, nil
	}

	if ssh.IsAuthError(err) {
		return nil, engine.NewPermanentError("SSH authentication rejected", err).
			WithCode(engine.ErrCodePermissionDenied).WithOperation("bootstrap")
	}
	if ctx.Err() != nil {
		return nil, engine.Classify(ctx.Err(), "bootstrap")
	}
	if ssh.IsTemporary(err) {
		return nil, engine.NewTransientError(fmt.Sprintf("host unreachable after %d attempts", attempt), err).
			WithCode(engine.ErrCodeNotReady).WithOperation("bootstrap")
	}
	return nil, engine.NewPermanentError("SSH connection failed", err).
		WithCode(engine.ErrCodeBootstrapFailed).WithOperation("bootstrap")
}

func (r *Runner) runStep(ctx context.Context, transport ssh.Transport, step engine.BootstrapStep, logger zerolog.Logger) error {
	switch step.Kind {
	case engine.StepUpload:
		var src io.Reader
		if step.Source != "" {
			f, err := os.Open(step.Source)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", step.Source, err)
			}
			defer f.Close()
			src = f
		} else {
			src = strings.NewReader(step.Content)
		}

		result, err := transport.Upload(ctx, src, step.Destination, step.Mode)
		if err != nil {
			return err
		}
		logger.Debug().Int64("bytes", result.BytesTransferred).Str("sha256", result.Checksum).Msg("Uploaded")
		return nil

	case engine.StepRun:
		result, err := transport.Execute(ctx, step.Command)
		if err == nil {
			return nil
		}
		if result != nil {
			output := result.Output()
			for _, marker := range step.AlreadyDone {
				if marker != "" && strings.Contains(output, marker) {
					logger.Info().Str("marker", marker).Msg("Step already applied")
					return nil
				}
			}
			if output != "" {
				return fmt.Errorf("%w: %s", err, truncate(output, 512))
			}
		}
		return err

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func classifyStepError(node engine.NodeID, index int, step engine.BootstrapStep, err error) error {
	message := fmt.Sprintf("step %d (%s) failed", index, step.Describe())

	var te *ssh.TransportError
	if errors.As(err, &te) && te.IsTimeout {
		return engine.NewTransientError(message+": timed out", err).
			WithCode(engine.ErrCodeTimeout).WithResource(node.String()).WithOperation("bootstrap")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(message+": timed out", err).
			WithCode(engine.ErrCodeTimeout).WithResource(node.String()).WithOperation("bootstrap")
	}
	if errors.Is(err, context.Canceled) {
		return engine.Classify(err, "bootstrap")
	}
	if errors.As(err, &te) && te.IsTemporary && te.ExitCode == 0 {
		return engine.NewTransientError(message, err).
			WithCode(engine.ErrCodeUnavailable).WithResource(node.String()).WithOperation("bootstrap")
	}
	return engine.NewPermanentError(message, err).
		WithCode(engine.ErrCodeBootstrapFailed).WithResource(node.String()).WithOperation("bootstrap").
		WithDetail("step", index)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
