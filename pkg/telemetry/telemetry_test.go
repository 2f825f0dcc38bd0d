package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/openfroyo/straddle/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production with endpoint", mutate: func(c *Config) {
			*c = *ProductionConfig()
			c.Tracing.Endpoint = "otel-collector:4317"
		}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "unknown exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "async without buffer", mutate: func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("node", "compute.instance.web").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"node":"compute.instance.web"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetrics_Recorder(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "straddle"})

	m.RecordRunCompleted("succeeded", 3*time.Second)
	m.RecordNodeCompleted("cloud_compute", "ready", time.Second)
	m.RecordNodeCompleted("cloud_compute", "failed", time.Second)
	m.RecordAdapterCall("cloud_compute", "apply", time.Second, nil)
	m.RecordAdapterCall("cloud_compute", "apply", time.Second, engine.NewThrottledError("slow down", nil))
	m.RecordAdapterCall("onprem_container", "destroy", time.Second, errors.New("boom"))
	m.RecordRetry("cloud_compute", "apply", "throttled")
	m.RecordBootstrap("succeeded", 10*time.Second)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"runs", testutil.ToFloat64(m.runsCompleted.WithLabelValues("succeeded")), 1},
		{"ready nodes", testutil.ToFloat64(m.nodesCompleted.WithLabelValues("cloud_compute", "ready")), 1},
		{"failed nodes", testutil.ToFloat64(m.nodesCompleted.WithLabelValues("cloud_compute", "failed")), 1},
		{"adapter calls", testutil.ToFloat64(m.adapterCalls.WithLabelValues("cloud_compute", "apply")), 2},
		{"throttled errors", testutil.ToFloat64(m.adapterErrors.WithLabelValues("cloud_compute", "apply", "throttled")), 1},
		{"unclassified errors", testutil.ToFloat64(m.adapterErrors.WithLabelValues("onprem_container", "destroy", "unclassified")), 1},
		{"retries", testutil.ToFloat64(m.retries.WithLabelValues("cloud_compute", "apply", "throttled")), 1},
		{"bootstraps", testutil.ToFloat64(m.bootstraps.WithLabelValues("succeeded")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "straddle_runs_completed_total") {
		t.Errorf("metrics endpoint missing run counter:\n%s", rec.Body.String())
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	// Every recorder method is a no-op.
	m.RecordRunCompleted("succeeded", time.Second)
	m.RecordNodeCompleted("cloud_compute", "ready", time.Second)
	m.RecordAdapterCall("cloud_compute", "apply", time.Second, errors.New("boom"))
	m.RecordRetry("cloud_compute", "apply", "transient")
	m.RecordBootstrap("failed", time.Second)

	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// collector is an engine.EventPublisher that records what it receives.
type collector struct {
	mu     sync.Mutex
	events []*engine.Event
	err    error
}

func (c *collector) Publish(_ context.Context, event *engine.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestEventPublisher_Sync(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true}, zerolog.Nop())
	all := &collector{}
	failures := &collector{}
	ep.Subscribe(all, nil)
	ep.Subscribe(failures, FilterByLevel(EventLevelError))

	ctx := context.Background()
	events := []*engine.Event{
		{Type: engine.EventTypeRunStarted, RunID: "r1", Level: EventLevelInfo},
		{Type: engine.EventTypeNodeStateChanged, RunID: "r1", Node: "a.b.c", Level: EventLevelError},
	}
	for _, e := range events {
		if err := ep.Publish(ctx, e); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if all.count() != 2 || failures.count() != 1 {
		t.Errorf("delivered %d/%d events, want 2/1", all.count(), failures.count())
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() {
		t.Error("Publish() should fill in id and timestamp")
	}

	t.Run("subscriber errors are reported", func(t *testing.T) {
		broken := &collector{err: errors.New("disk full")}
		ep.Subscribe(broken, nil)
		err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunCompleted, RunID: "r1"})
		if err == nil || !strings.Contains(err.Error(), "disk full") {
			t.Errorf("Publish() error = %v, want subscriber error", err)
		}
		if all.count() != 3 {
			t.Error("a failing subscriber must not stop delivery to the others")
		}
	})

	t.Run("global filter", func(t *testing.T) {
		ep.AddFilter(FilterByRunID("r2"))
		before := all.count()
		_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted, RunID: "r1"})
		if all.count() != before {
			t.Error("filtered event was delivered")
		}
	})
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 100}, zerolog.Nop())
	sink := &collector{}
	ep.Subscribe(sink, FilterByType(engine.EventTypeNodeRetry))

	for i := 0; i < 10; i++ {
		if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeNodeRetry, RunID: "r1"}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	_ = ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeRunStarted, RunID: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if sink.count() != 10 {
		t.Errorf("delivered %d events, want 10", sink.count())
	}
	if err := ep.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: false}, zerolog.Nop())
	sink := &collector{}
	ep.Subscribe(sink, nil)
	if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeRunStarted}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if sink.count() != 0 {
		t.Error("disabled publisher delivered an event")
	}
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	sub := LogSubscriber{Logger: zerolog.New(&buf)}

	_ = sub.Publish(context.Background(), &engine.Event{
		Type:    engine.EventTypeNodeStateChanged,
		RunID:   "r1",
		Node:    "compute.instance.web",
		Level:   EventLevelError,
		Message: "Node failed",
		Data:    map[string]interface{}{"attempts": 3},
	})

	out := buf.String()
	for _, want := range []string{`"level":"error"`, `"node":"compute.instance.web"`, `"attempts":3`, `"message":"Node failed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	var traces bytes.Buffer
	tel, err := New(cfg, &traces)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, span := tel.Tracer.StartCommandSpan(context.Background(), "plan", "demo")
	if TraceID(ctx) == "" {
		t.Error("expected a sampled trace")
	}
	span.End()

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(traces.String(), "straddle.plan") {
		t.Errorf("span not exported: %s", traces.String())
	}
}
