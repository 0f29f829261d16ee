package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/stratrank/internal/config"
	"github.com/basket/stratrank/internal/persistence"
	"github.com/basket/stratrank/internal/ranking"
	"github.com/basket/stratrank/internal/schedule"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Go          string `json:"go_version"`
	Version     string `json:"version"`
	Fingerprint string `json:"config_fingerprint,omitempty"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	if cfg != nil {
		d.System.Fingerprint = cfg.Fingerprint()
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEstimator,
		checkDatabase,
		checkPermissions,
		checkSchedules,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := ranking.ParseStrategy(cfg.Ranking.DefaultStrategy); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); err != nil {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkEstimator(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Estimator", Status: "SKIP", Message: "Config missing"}
	}

	chain := cfg.ProviderChain()
	var ready, missing []string
	for _, p := range chain {
		if p == "keyword" {
			continue
		}
		if cfg.ProviderAPIKey(p) != "" {
			ready = append(ready, p)
		} else {
			missing = append(missing, p)
		}
	}
	detail := fmt.Sprintf("chain=%s", strings.Join(chain, " -> "))

	if len(ready) == 0 {
		return CheckResult{
			Name:    "Estimator",
			Status:  "WARN",
			Message: "No LLM provider has an API key; impact comes from the keyword heuristic",
			Detail:  detail,
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Estimator",
			Status:  "WARN",
			Message: fmt.Sprintf("Ready: %s; missing API key: %s", strings.Join(ready, ", "), strings.Join(missing, ", ")),
			Detail:  detail,
		}
	}
	return CheckResult{Name: "Estimator", Status: "PASS", Message: fmt.Sprintf("Ready: %s", strings.Join(ready, ", ")), Detail: detail}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "stratrank.db")
	}

	store, err := persistence.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d valid", version),
		Detail:  fmt.Sprintf("path=%s checksum=%s", dbPath, checksum),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Schedules) == 0 {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "No schedules configured"}
	}

	var problems, details []string
	now := time.Now()
	for _, s := range cfg.Schedules {
		if !s.IsEnabled() {
			details = append(details, fmt.Sprintf("%s: disabled", s.Name))
			continue
		}
		next, err := schedule.NextRunTime(s.Cron, now)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", s.Name, err))
			continue
		}
		if s.TasksFile == "" {
			problems = append(problems, fmt.Sprintf("%s: tasks_file not set", s.Name))
			continue
		}
		if _, err := os.Stat(s.TasksFile); err != nil {
			problems = append(problems, fmt.Sprintf("%s: tasks file unreadable: %v", s.Name, err))
			continue
		}
		details = append(details, fmt.Sprintf("%s: next %s", s.Name, next.Format(time.RFC3339)))
	}

	if len(problems) > 0 {
		return CheckResult{
			Name:    "Schedules",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d schedules invalid", len(problems), len(cfg.Schedules)),
			Detail:  strings.Join(problems, "; "),
		}
	}
	return CheckResult{
		Name:    "Schedules",
		Status:  "PASS",
		Message: fmt.Sprintf("%d schedules valid", len(cfg.Schedules)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := "google"
	if chain := cfg.ProviderChain(); len(chain) > 0 {
		provider = chain[0]
	}
	if provider == "keyword" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Keyword estimator needs no network"}
	}

	endpoints := map[string]string{
		"google":     "generativelanguage.googleapis.com",
		"anthropic":  "api.anthropic.com",
		"openai":     "api.openai.com",
		"openrouter": "openrouter.ai",
	}

	host, ok := endpoints[provider]
	if provider == "openai_compatible" && cfg.Estimator.OpenAICompatibleBaseURL != "" {
		host = hostOf(cfg.Estimator.OpenAICompatibleBaseURL)
		ok = host != ""
	}
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func hostOf(rawURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}
