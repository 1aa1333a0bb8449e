package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"atapbridge/internal/config"
	"atapbridge/internal/portal"
	"atapbridge/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	sessionID  string

	// Loaded per invocation
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "atap",
	Short: "atapbridge - CRUD adapter for the SEDA eATAP portal",
	Long: `atapbridge drives the SEDA eATAP portal the way a browser would:
it carries session cookies, captures and re-injects CSRF tokens, scrapes
entity data out of server-rendered HTML and re-encodes writes as the exact
form submissions the portal expects.

Sessions are bootstrapped from a real browser login (atap session capture)
or an exported cookies file (atap session import), then persisted so the
adapter survives restarts without re-authenticating.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if sessionID != "" {
			cfg.Store.SessionID = sessionID
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "atapbridge.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "Session identity to use (default from config)")

	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(sessionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore builds the configured session store backend.
func openStore() (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.DBPath)
	default:
		return store.NewFileStore(cfg.Store.Dir)
	}
}

// newAdapter wires a store, session client and adapter for the configured
// session identity.
func newAdapter() (*portal.Adapter, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}
	client, err := portal.NewClient(portal.SessionConfig{
		BaseURL:   cfg.Portal.BaseURL,
		UserAgent: cfg.Portal.UserAgent,
		SessionID: cfg.Store.SessionID,
		Timeout:   cfg.Portal.Timeout,
	}, st, logger)
	if err != nil {
		return nil, err
	}
	return portal.NewAdapter(client, portal.AdapterConfig{
		MaxRetries:   cfg.Retry.MaxRetries,
		RetryBackoff: cfg.Retry.Backoff,
	}, logger), nil
}

// printJSON renders machine-readable output. Raw portal HTML never reaches
// stdout; only the structured shapes do.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
