// Package cli implements gatekeeperctl, the maintenance command line for a
// gatekeeper deployment.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("GATEKEEPER_URL", "http://localhost:8080"), "Gatekeeper HTTP address for permission commands")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("GATEKEEPER_ADMIN_TOKEN"), "Admin bearer token (default $GATEKEEPER_ADMIN_TOKEN)")
}

var rootCmd = &cobra.Command{
	Use:           "gatekeeperctl",
	Short:         "Maintenance commands for the gatekeeper safety layer",
	Long:          "Grants and revokes tool permissions through a running server, applies the allowlist schema, and queries or trims the audit trail.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseCallerID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("caller id must be an integer, got %q", s)
	}
	return id, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
