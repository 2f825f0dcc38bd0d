package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/straddle/pkg/bootstrap"
	"github.com/openfroyo/straddle/pkg/config"
	"github.com/openfroyo/straddle/pkg/credentials"
	"github.com/openfroyo/straddle/pkg/engine"
	"github.com/openfroyo/straddle/pkg/policy"
	"github.com/openfroyo/straddle/pkg/stores"
	"github.com/openfroyo/straddle/pkg/telemetry"
)

// session is the wiring of one command invocation: telemetry, credentials,
// adapters, the loaded document and its graph. The state store is opened
// only by commands that need it.
type session struct {
	opts      *globalOptions
	providers providers

	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	span      trace.Span

	creds    credentials.Provider
	adapters engine.Adapters
	document *config.Document
	graph    *engine.Graph
	store    *stores.SQLiteStore
}

// newSession sets up telemetry and loads the document. The returned context
// carries the command span and must be used for the rest of the command.
func newSession(cmd *cobra.Command, opts *globalOptions, p providers) (context.Context, *session, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = opts.logLevel
	cfg.Logging.Format = opts.logFormat
	cfg.Metrics.ListenAddress = opts.metricsAddr
	if opts.traceExporter != "" && opts.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.traceExporter
		cfg.Tracing.Endpoint = opts.traceEndpoint
	}

	tel, err := telemetry.New(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s := &session{
		opts:      opts,
		providers: p,
		telemetry: tel,
		logger:    tel.Logger.With().Str("command", cmd.Name()).Logger(),
	}
	tel.Events.Subscribe(telemetry.LogSubscriber{Logger: s.logger}, nil)

	ctx, span := tel.Tracer.StartCommandSpan(cmd.Context(), cmd.Name(), "")
	s.span = span
	tel.Metrics.Serve(ctx, s.logger)

	chain := credentials.ChainProvider{credentials.NewEnvProvider(opts.credentialsEnv)}
	if opts.credentialsDir != "" {
		chain = append(chain, credentials.NewFileProvider(opts.credentialsDir))
	}
	s.creds = chain
	s.adapters = p.adapters(s.creds, s.logger)

	if err := s.load(); err != nil {
		s.Close(ctx, err)
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("deployment", s.document.Deployment))
	return ctx, s, nil
}

// load reads the document and builds its graph.
func (s *session) load() error {
	doc, err := config.NewLoader().Load(s.opts.documentPath)
	if err != nil {
		return configError(err)
	}
	g, err := buildGraph(doc, s.adapters)
	if err != nil {
		return err
	}

	s.document = doc
	s.graph = g
	s.logger = s.logger.With().Str("deployment", doc.Deployment).Logger()
	s.logger.Debug().
		Str("document", s.opts.documentPath).
		Int("nodes", g.Len()).
		Int("levels", len(g.Levels)).
		Msg("Document loaded")
	return nil
}

func buildGraph(doc *config.Document, adapters engine.Adapters) (*engine.Graph, error) {
	nodes, bindings, err := doc.Nodes()
	if err != nil {
		return nil, configError(err)
	}
	g, err := engine.NewGraphBuilder(adapters).Build(nodes, bindings)
	if err != nil {
		return nil, configError(err)
	}
	return g, nil
}

// openStore opens and migrates the state database and subscribes its event
// log to the executor events.
func (s *session) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: s.opts.statePath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open state %s: %w", s.opts.statePath, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to migrate state %s: %w", s.opts.statePath, err)
	}
	s.store = store
	s.telemetry.Events.Subscribe(store, nil)
	return nil
}

// checkPolicies evaluates the built-in policies, the document's policies and
// the --policy paths, and reports violations to out. A blocking violation is
// a configuration error.
func (s *session) checkPolicies(ctx context.Context, out io.Writer, operation string, plan *engine.Plan) (*policy.Result, error) {
	eng, err := policy.NewEngine(s.logger)
	if err != nil {
		return nil, err
	}

	var paths []string
	base := filepath.Dir(s.opts.documentPath)
	for _, p := range s.document.Settings.Policies {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		paths = append(paths, p)
	}
	paths = append(paths, s.opts.policyPaths...)
	if err := eng.LoadPolicies(ctx, paths); err != nil {
		return nil, configError(err)
	}

	input := policy.NewInput(operation, s.graph, plan)
	input.Deployment = s.document.Deployment
	result, err := eng.Evaluate(ctx, input)
	if err != nil {
		return nil, configError(err)
	}

	for _, w := range result.Warnings {
		s.logger.Warn().Str("policy", w.Policy).Str("node", w.Node).Msg(w.Message)
	}
	if len(result.Violations) > 0 {
		fmt.Fprint(out, renderViolations("Policy violations", result.Violations))
	}
	if len(result.Warnings) > 0 {
		fmt.Fprint(out, renderViolations("Policy warnings", result.Warnings))
	}
	if !result.Allowed {
		return result, configError(&PolicyError{Operation: operation, Violations: result.Violations})
	}
	return result, nil
}

// planner returns a planner over the session's adapters and state.
func (s *session) planner() *engine.Planner {
	var state engine.StateStore
	if s.store != nil {
		state = s.store
	}
	return engine.NewPlanner(s.adapters, state, s.document.Deployment, s.logger)
}

// executor returns an executor for the document settings. parallelism, when
// positive, overrides the configured concurrency.
func (s *session) executor(parallelism int) *engine.Executor {
	opts := s.document.ExecutorOptions()
	if parallelism > 0 {
		opts.Concurrency = parallelism
	}

	runnerOpts := bootstrap.DefaultOptions()
	runnerOpts.StepTimeout = s.document.Settings.WithDefaults().StepTimeout.Std()
	runnerOpts.KnownHostsPath = s.opts.knownHosts

	options := []engine.Option{
		engine.WithBootstrapRunner(s.providers.runner(s.creds, runnerOpts, s.logger)),
		engine.WithEventPublisher(s.telemetry.Events),
		engine.WithRecorder(s.telemetry.Metrics),
		engine.WithLogger(s.logger),
	}
	if s.store != nil {
		options = append(options, engine.WithStateStore(s.store))
	}
	return engine.NewExecutor(s.adapters, opts, options...)
}

// recordRun writes the run history entry of a finished apply or destroy.
func (s *session) recordRun(ctx context.Context, id string, kind stores.RunKind, status engine.RunStatus, started time.Time, summary interface{}, runErr error) {
	if s.store == nil {
		return
	}
	body, err := marshalJSON(summary)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode run summary")
		body = "{}"
	}

	run := &stores.Run{
		ID:           id,
		Deployment:   s.document.Deployment,
		Kind:         kind,
		Status:       engine.RunStatusRunning,
		DocumentPath: s.opts.documentPath,
		StartedAt:    started,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.logger.Warn().Err(err).Str("run_id", id).Msg("Failed to record run")
		return
	}

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := s.store.CompleteRun(ctx, id, status, body, errMsg); err != nil {
		s.logger.Warn().Err(err).Str("run_id", id).Msg("Failed to complete run record")
	}
}

// Close ends the command span and releases the store and telemetry.
func (s *session) Close(ctx context.Context, cmdErr error) {
	if cmdErr != nil {
		s.span.RecordError(cmdErr)
		s.span.SetStatus(codes.Error, cmdErr.Error())
	}
	s.span.End()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var result *multierror.Error
	if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
