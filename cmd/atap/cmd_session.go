package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"atapbridge/internal/capture"
	"atapbridge/internal/portal"
	"atapbridge/internal/store"
)

var importID string
var captureID string

// sessionCmd groups session lifecycle operations: bootstrapping credentials
// into the store and checking on them.
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage persisted portal sessions",
}

var sessionImportCmd = &cobra.Command{
	Use:   "import [cookies-file]",
	Short: "Import a browser cookie export as session state",
	Long: `Reads a cookies file (either a browser-extension export array or a
previously saved session blob) and persists it under a session identity.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionImport,
}

var sessionCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Log in through a real browser and capture the session",
	Long: `Launches a browser on the portal login page. Sign in by hand; once the
portal navigates away from /login the authenticated cookies are captured
and persisted. A fresh session identity is generated unless --id is given.`,
	RunE: runSessionCapture,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted state of the selected session",
	RunE:  runSessionStatus,
}

var sessionVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Probe every stored session against the portal",
	Long: `Opens one independent client per stored session and fetches the profile
listing with each, concurrently. Sessions serialize internally but are
isolated from each other, so probing in parallel is safe.`,
	RunE: runSessionVerify,
}

var sessionWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the storage directory for replaced session files",
	Long: `Watches the file store directory and logs whenever a session blob is
written or replaced. Operators can drop a fresh cookies export over a
stale session without restarting anything that holds it open.`,
	RunE: runSessionWatch,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDelete,
}

func init() {
	sessionImportCmd.Flags().StringVar(&importID, "id", "", "Session identity to save under (default: configured session)")
	sessionCaptureCmd.Flags().StringVar(&captureID, "id", "", "Session identity to save under (default: generated)")

	sessionCmd.AddCommand(sessionImportCmd)
	sessionCmd.AddCommand(sessionCaptureCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionVerifyCmd)
	sessionCmd.AddCommand(sessionWatchCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
}

func runSessionImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read cookies file: %w", err)
	}
	state, err := store.DecodeState(data)
	if err != nil {
		return err
	}

	id := importID
	if id == "" {
		id = cfg.Store.SessionID
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.Save(id, state); err != nil {
		return err
	}
	logger.Info("session imported",
		zap.String("session", id),
		zap.Int("cookies", len(state.Cookies)))
	fmt.Printf("Imported %d cookies as session %q\n", len(state.Cookies), id)
	return nil
}

func runSessionCapture(cmd *cobra.Command, args []string) error {
	state, err := capture.Capture(cmd.Context(), capture.Config{
		BaseURL: cfg.Portal.BaseURL,
		Bin:     cfg.Capture.Bin,
		Timeout: cfg.Capture.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	id := captureID
	if id == "" {
		id = uuid.NewString()
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.Save(id, state); err != nil {
		return err
	}
	fmt.Printf("Captured %d cookies as session %q\n", len(state.Cookies), id)
	fmt.Printf("Use it with: atap --session %s profiles list\n", id)
	return nil
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	state, err := st.Load(cfg.Store.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Printf("Session %q has no persisted state\n", cfg.Store.SessionID)
			return nil
		}
		return err
	}
	return printJSON(map[string]interface{}{
		"session":   cfg.Store.SessionID,
		"cookies":   len(state.Cookies),
		"has_token": state.Token != "",
		"saved_at":  state.SavedAt,
	})
}

// verifyResult is one row of the session verify report.
type verifyResult struct {
	Session string `json:"session"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

func runSessionVerify(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	ids, err := st.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No stored sessions")
		return nil
	}

	var mu sync.Mutex
	results := make([]verifyResult, 0, len(ids))

	// One client per session identity: each serializes its own requests,
	// distinct sessions are independent.
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			client, err := portal.NewClient(portal.SessionConfig{
				BaseURL:   cfg.Portal.BaseURL,
				UserAgent: cfg.Portal.UserAgent,
				SessionID: id,
				Timeout:   cfg.Portal.Timeout,
			}, st, logger)
			res := verifyResult{Session: id}
			if err == nil {
				if err = client.Open(ctx); err == nil {
					_, err = client.Get(ctx, "/profiles")
				}
			}
			if err != nil {
				res.Error = err.Error()
			} else {
				res.OK = true
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return printJSON(results)
}

func runSessionWatch(cmd *cobra.Command, args []string) error {
	if cfg.Store.Backend != "file" {
		return fmt.Errorf("session watch requires the file store backend")
	}
	fs, err := store.NewFileStore(cfg.Store.Dir)
	if err != nil {
		return err
	}
	watcher, err := store.NewWatcher(fs, func(id string) {
		fmt.Printf("[%s] session %q updated\n", time.Now().Format(time.RFC3339), id)
	}, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer func() { _ = watcher.Stop() }()

	fmt.Printf("Watching %s for session changes. Press Ctrl+C to stop.\n", cfg.Store.Dir)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func runSessionDelete(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted session %q\n", args[0])
	return nil
}
