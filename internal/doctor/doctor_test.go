package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/stratrank/internal/config"
)

func loadTestConfig(t *testing.T) config.Config {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(k, "")
	}
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return cfg
}

func TestCheckNetwork_DefaultProvider(t *testing.T) {
	cfg := loadTestConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, &cfg)
	if result.Status != "PASS" {
		t.Logf("network check result: %+v", result)
		// Allow FAIL in CI/offline environments.
		if result.Status != "FAIL" {
			t.Fatalf("expected PASS or FAIL, got %s", result.Status)
		}
	}
	if result.Name != "Network" {
		t.Fatalf("expected name Network, got %s", result.Name)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetwork_KeywordProviderSkips(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Estimator.Provider = "keyword"
	result := checkNetwork(context.Background(), &cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for keyword estimator, got %+v", result)
	}
}

func TestHostOf(t *testing.T) {
	tests := map[string]string{
		"http://localhost:11434/v1":   "localhost",
		"https://api.example.com/v1/": "api.example.com",
		"api.example.com":             "api.example.com",
	}
	for in, want := range tests {
		if got := hostOf(in); got != want {
			t.Errorf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckEstimator(t *testing.T) {
	cfg := loadTestConfig(t)
	result := checkEstimator(context.Background(), &cfg)
	if result.Status != "WARN" || !strings.Contains(result.Message, "keyword heuristic") {
		t.Fatalf("expected keyword-only warning, got %+v", result)
	}

	t.Setenv("GEMINI_API_KEY", "test-key")
	result = checkEstimator(context.Background(), &cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS with key set, got %+v", result)
	}
	if !strings.Contains(result.Detail, "google -> keyword") {
		t.Fatalf("detail = %q", result.Detail)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := loadTestConfig(t)
	result := checkDatabase(context.Background(), &cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", result)
	}
	if !strings.Contains(result.Detail, cfg.DBPath) {
		t.Fatalf("detail %q missing db path", result.Detail)
	}
}

func TestCheckSchedules(t *testing.T) {
	cfg := loadTestConfig(t)
	if got := checkSchedules(context.Background(), &cfg); got.Status != "SKIP" {
		t.Fatalf("expected SKIP without schedules, got %+v", got)
	}

	tasks := filepath.Join(cfg.HomeDir, "tasks.yaml")
	if err := os.WriteFile(tasks, []byte("outcome: {id: o1}\ntasks: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Schedules = []config.ScheduleConfig{
		{Name: "nightly", Cron: "0 2 * * *", OutcomeID: "o1", TasksFile: tasks},
	}
	if got := checkSchedules(context.Background(), &cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}

	cfg.Schedules = append(cfg.Schedules, config.ScheduleConfig{Name: "broken", Cron: "not a cron", OutcomeID: "o1", TasksFile: tasks})
	got := checkSchedules(context.Background(), &cfg)
	if got.Status != "FAIL" || !strings.Contains(got.Detail, "broken") {
		t.Fatalf("expected FAIL naming broken schedule, got %+v", got)
	}
}

func TestRun(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Estimator.Provider = "keyword"
	d := Run(context.Background(), &cfg, "test")
	if len(d.Results) != 6 {
		t.Fatalf("results = %d, want 6", len(d.Results))
	}
	if d.System.Fingerprint == "" || !strings.HasPrefix(d.System.Fingerprint, "cfg-") {
		t.Fatalf("fingerprint = %q", d.System.Fingerprint)
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
}
