// Package doctor provides health checks for atlasgate configuration and
// runtime. Used by `atlasgate doctor`.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/config"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/policy"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/secrets"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/server"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which checks to run.
type Options struct {
	// Channels to probe upstream connectivity for (empty = skip upstream checks).
	Channels     []string
	SkipUpstream bool // skip upstream connectivity checks (for CI/offline)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	cfg, err := config.Load()
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check ATLASGATE_* env vars and config file",
		})
	} else {
		report.Checks = append(report.Checks, checkDataDir(cfg))
		report.Checks = append(report.Checks, checkVaultKey(cfg))
		report.Checks = append(report.Checks, checkVault(cfg))
		report.Checks = append(report.Checks, checkCallers(cfg))
		report.Checks = append(report.Checks, checkPolicy(ctx, cfg))
		if !opts.SkipUpstream {
			report.Checks = append(report.Checks, checkUpstreams(ctx, cfg, opts.Channels)...)
		}
	}

	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
		case "fail":
			report.Summary.Fail++
		}
	}

	report.Status = "pass"
	if report.Summary.Warn > 0 {
		report.Status = "warn"
	}
	if report.Summary.Fail > 0 {
		report.Status = "fail"
	}
	return report
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s, %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable, %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkVaultKey(cfg *config.Config) CheckResult {
	if cfg.UsingDefaultVaultKey() {
		return CheckResult{
			Name: "vault_key", Category: "config", Status: "warn",
			Message: "Using generated default", Fix: "Set ATLASGATE_VAULT_KEY for production",
		}
	}
	return CheckResult{Name: "vault_key", Category: "config", Status: "pass", Message: "Configured"}
}

func checkVault(cfg *config.Config) CheckResult {
	vault, err := secrets.NewVault(cfg.VaultDBPath(), cfg.VaultKey)
	if err != nil {
		return CheckResult{
			Name: "vault_db", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	_ = vault.Close()
	return CheckResult{
		Name: "vault_db", Category: "config", Status: "pass",
		Message: cfg.VaultDBPath(),
	}
}

func checkCallers(cfg *config.Config) CheckResult {
	reg, err := server.LoadRegistry(cfg.CallersFile)
	if err != nil {
		return CheckResult{
			Name: "callers_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s, %v", cfg.CallersFile, err),
			Fix:     "Check YAML syntax in " + cfg.CallersFile,
		}
	}
	if len(reg.Callers) == 0 {
		return CheckResult{
			Name: "callers_valid", Category: "config", Status: "warn",
			Message: "No callers configured",
			Fix:     "Add callers to " + cfg.CallersFile,
		}
	}
	return CheckResult{
		Name: "callers_valid", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%d caller(s)", len(reg.Callers)),
	}
}

func checkPolicy(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := policy.NewEngine(ctx, cfg.PolicyFile); err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	src := "embedded"
	if cfg.PolicyFile != "" {
		src = cfg.PolicyFile
	}
	return CheckResult{
		Name: "policy_valid", Category: "config", Status: "pass",
		Message: src,
	}
}

// checkUpstreams probes the stored base URL for each channel and service.
func checkUpstreams(ctx context.Context, cfg *config.Config, channels []string) []CheckResult {
	var results []CheckResult
	if len(channels) == 0 {
		return results
	}

	vault, err := secrets.NewVault(cfg.VaultDBPath(), cfg.VaultKey)
	if err != nil {
		return results
	}
	defer vault.Close()

	for _, channel := range channels {
		for _, service := range []tenant.Service{tenant.ServiceConfluence, tenant.ServiceJira} {
			creds, resolveErr := vault.Resolve(ctx, channel, service)
			if resolveErr != nil {
				results = append(results, CheckResult{
					Name: fmt.Sprintf("credentials_%s_%s", channel, service), Category: "upstream", Status: "warn",
					Message: fmt.Sprintf("No credentials for channel %s / %s", channel, service),
					Fix:     fmt.Sprintf("Run: atlasgate credentials set %s %s ...", channel, service),
				})
				continue
			}
			results = append(results, checkUpstream(ctx, channel, service, creds.BaseURL))
		}
	}
	return results
}

func checkUpstream(ctx context.Context, channel string, service tenant.Service, baseURL string) CheckResult {
	name := fmt.Sprintf("upstream_%s_%s", channel, service)

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return CheckResult{
			Name: name, Category: "upstream", Status: "fail",
			Message: fmt.Sprintf("Invalid URL: %v", err),
		}
	}
	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name: name, Category: "upstream", Status: "fail",
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Check network connectivity and the stored base URL",
		}
	}
	resp.Body.Close()

	if latency > time.Second {
		return CheckResult{
			Name: name, Category: "upstream", Status: "warn",
			Message: fmt.Sprintf("%s, %.1fs (> 1s threshold)", baseURL, latency.Seconds()),
		}
	}
	return CheckResult{
		Name: name, Category: "upstream", Status: "pass",
		Message: fmt.Sprintf("%s, %dms", baseURL, latency.Milliseconds()),
	}
}
