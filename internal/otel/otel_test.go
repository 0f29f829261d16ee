package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Identity{})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Identity{Version: "test"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected tracer and meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "carrier-pigeon",
	}, Identity{})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       "none",
		ServiceName:    "rank-test",
		SampleRate:     0.5,
		MetricsEnabled: &off,
	}, Identity{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics on disabled meter: %v", err)
	}
	if _, err := p.Collect(context.Background()); err == nil {
		t.Fatal("expected Collect to fail with metrics disabled")
	}
}

func TestCollect_RecordsRunsWithIdentity(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none", ServiceName: "ranker"},
		Identity{Version: "v9", ConfigFingerprint: "cfg-abc"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(ctx)

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RankRuns.Add(ctx, 2)

	rm, err := p.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if v, ok := rm.Resource.Set().Value(AttrConfigFingerprint); !ok || v.AsString() != "cfg-abc" {
		t.Fatalf("resource fingerprint = %v, %v", v, ok)
	}
	if v, ok := rm.Resource.Set().Value("service.name"); !ok || v.AsString() != "ranker" {
		t.Fatalf("service.name = %v, %v", v, ok)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name == "stratrank.rank.runs" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("stratrank.rank.runs not collected")
	}
}

func TestShutdown_Twice(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"}, Identity{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestOTLPOptions(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"env default", Config{}, 0},
		{"host port", Config{Endpoint: "collector:4318"}, 2},
		{"url", Config{Endpoint: "https://otel.example.com/v1/traces"}, 1},
		{"url with headers", Config{Endpoint: "https://otel.example.com", Headers: map[string]string{"x-api-key": "k"}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(otlpOptions(tt.cfg)); got != tt.want {
				t.Fatalf("options = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSampleRate(t *testing.T) {
	for in, want := range map[float64]float64{0: 1, -2: 1, 0.25: 0.25, 1: 1, 3: 1} {
		if got := sampleRate(in); got != want {
			t.Errorf("sampleRate(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	}, Identity{Version: "test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "test.internal",
		AttrOutcomeID.String("o1"),
		AttrTaskID.String("t1"),
	)
	span.End()

	_, span2 := StartClientSpan(context.Background(), p.Tracer, "test.client",
		AttrEstimator.String("keyword"),
	)
	span2.End()

	_, span3 := StartSpan(context.Background(), NoopTracer(), "test.noop")
	span3.End()
}
