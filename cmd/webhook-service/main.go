package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "webhook-service",
	Short: "Triggers Jenkins jobs from Bitbucket push notifications.",
	Long: `Receives Bitbucket push webhooks, finds the Jenkins jobs tracking the pushed
repository, polls them one at a time per job and schedules a build when the
remote branches moved.`,
	SilenceUsage: true,
}

func init() { //nolint:gochecknoinits // cobra command registration
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the service configuration file")
	rootCmd.AddCommand(runCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newHTTPClient(skipTLSVerify bool, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed Jenkins
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
