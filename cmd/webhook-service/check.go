package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"bitbucket_jenkins_integ/internal/config"
	"bitbucket_jenkins_integ/internal/jenkins"
	"bitbucket_jenkins_integ/internal/storage"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validates the configuration, Jenkins access and the configured jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		result := check(cmd.Context(), configPath, cmd.OutOrStdout())
		if result.errors > 0 {
			return fmt.Errorf("%d check(s) failed", result.errors)
		}
		return nil
	},
}

type checkResult struct {
	passed   int
	errors   int
	warnings int
}

func (r *checkResult) ok(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "✓ "+format+"\n", args...)
	r.passed++
}

func (r *checkResult) fail(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "✗ "+format+"\n", args...)
	r.errors++
}

func (r *checkResult) warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "⚠ "+format+"\n", args...)
	r.warnings++
}

// jenkinsChecker is the part of the Jenkins client used by check.
type jenkinsChecker interface {
	CheckAccessibility(ctx context.Context) error
	JobExists(ctx context.Context, name string) error
}

func check(ctx context.Context, path string, w io.Writer) *checkResult {
	result := &checkResult{}
	fmt.Fprintln(w, "Checking configuration...")
	fmt.Fprintln(w)

	if _, err := os.Stat(path); err != nil {
		result.fail(w, "Configuration file not found: %s", path)
		return result
	}
	cfg, err := config.Load(path)
	if err != nil {
		result.fail(w, "Failed to load configuration: %v", err)
		return result
	}
	result.ok(w, "Configuration file loaded and validated")

	if cfg.Server.WebhookSecretEnv != "" && cfg.Server.WebhookSecret() == "" {
		result.warn(w, "Webhook secret env %s is empty, signatures will not be verified", cfg.Server.WebhookSecretEnv)
	}

	if cfg.Storage.Driver == config.StoragePostgres {
		store, err := storage.New(&cfg.Storage, nil)
		if err != nil {
			result.fail(w, "Storage is not reachable: %v", err)
		} else {
			_ = store.Close()
			result.ok(w, "PostgreSQL storage is reachable and migrated")
		}
	}

	user, token, err := cfg.Jenkins.ResolveCredentials()
	if err != nil {
		result.fail(w, "Jenkins credentials: %v", err)
		return result
	}
	client := jenkins.NewClient(cfg.Jenkins.BaseURL, user, token,
		newHTTPClient(cfg.Jenkins.SkipTLSVerify, cfg.Jenkins.RequestTimeout.Duration))
	checkJenkins(ctx, cfg, client, w, result)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Summary: %d checks passed, %d errors, %d warnings\n", result.passed, result.errors, result.warnings)
	return result
}

func checkJenkins(ctx context.Context, cfg *config.Config, client jenkinsChecker, w io.Writer, result *checkResult) {
	if err := client.CheckAccessibility(ctx); err != nil {
		result.fail(w, "Jenkins is not accessible at %s: %v", cfg.Jenkins.BaseURL, err)
		return
	}
	result.ok(w, "Jenkins is accessible at %s", cfg.Jenkins.BaseURL)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Checking jobs:")
	if len(cfg.Jobs) == 0 {
		result.warn(w, "No jobs configured")
		return
	}
	for _, job := range cfg.Jobs {
		if job.Disabled {
			result.warn(w, "Job %q is disabled", job.Name)
			continue
		}
		err := client.JobExists(ctx, job.Name)
		switch {
		case err == nil:
			result.ok(w, "Job %q exists in Jenkins", job.Name)
		case errors.Is(err, jenkins.ErrNotFound):
			result.fail(w, "Job %q does not exist in Jenkins", job.Name)
		case errors.Is(err, jenkins.ErrAccessDenied):
			result.fail(w, "No access to job %q in Jenkins", job.Name)
		default:
			result.fail(w, "Failed to check job %q: %v", job.Name, err)
		}
	}
}
