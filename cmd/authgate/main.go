package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fifth-community/authgate/internal/account"
	"github.com/fifth-community/authgate/internal/api"
	"github.com/fifth-community/authgate/internal/config"
	"github.com/fifth-community/authgate/internal/logging"
	"github.com/fifth-community/authgate/internal/store"
	"github.com/fifth-community/authgate/internal/ui"
	"github.com/fifth-community/authgate/internal/upload"
)

var (
	version = "0.1.0"
)

func main() {
	rootCmd := newRootCmd()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorStyle.Render("✗ "+describeError(err)))
		logging.Close() // Ensure log file is flushed before exit
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "authgate",
		Short: "Authenticated client for the community board API",
		Long: `A CLI client for the community board backend.

Keeps the login state (bearer tokens or a server session cookie) on disk or in
redis, renews expired access tokens once per request, and reports when a new
login is required.`,
		Version:       version,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // We handle error output ourselves
	}

	// Setup flags
	config.SetupFlags(rootCmd)

	rootCmd.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newWhoamiCmd(),
		newStatusCmd(),
		newRequestCmd(),
		newRefreshCmd(),
		newUploadCmd(),
		newWatchCmd(),
	)
	return rootCmd
}

// withApp loads configuration, sets up logging and wires the application
// around fn. The context is canceled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		// Initialize logger if log file specified
		switch {
		case cfg.LogFile != "":
			if err := logging.Init(cfg.LogFile, cfg.Verbose); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			defer logging.Close()
		case cfg.Verbose:
			logging.InitWriter(cmd.ErrOrStderr(), true)
		}
		logging.Debug("configuration loaded: base-url=%s variant=%s state=%s", cfg.BaseURL, cfg.Variant, cfg.State)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		app, err := newApplication(cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(ctx, app, cmd, args)
	}
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with email and password",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if password == "" {
				var err error
				if password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
			}

			if _, err := app.account.Login(ctx, email, password); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderHeader(app.account.Snapshot()))
			return nil
		}),
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password (read from stdin when empty)")
	return cmd
}

func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("a password is required")
	}
	return password, nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear local login state",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			if err := app.account.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessStyle.Render("✓ Logged out"))
			return nil
		}),
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Ask the backend who is logged in and sync the local profile",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			if _, err := app.account.CheckSession(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderHeader(app.account.Snapshot()))
			return nil
		}),
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local login state without contacting the backend",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			snap := app.account.Snapshot()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), statusView(snap))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.RenderHeader(snap))
			fmt.Fprintf(out, "Variant:        %s\n", snap.Variant)
			fmt.Fprintf(out, "Authenticated:  %t\n", snap.Authenticated)
			fmt.Fprintf(out, "User ID:        %d\n", snap.Identity.UserID)
			if snap.Variant == store.VariantToken {
				fmt.Fprintf(out, "Access token:   %t\n", snap.HasAccessToken)
				fmt.Fprintf(out, "Refresh token:  %t\n", snap.HasRefreshToken)
				if !snap.AccessExpiry.IsZero() {
					fmt.Fprintf(out, "Expires:        %s\n", snap.AccessExpiry.Local().Format(time.RFC3339))
				}
			}
			return nil
		}),
	}
	cmd.Flags().Bool("json", false, "Print state as JSON")
	return cmd
}

// statusJSON is the machine-readable status output
type statusJSON struct {
	Variant         store.Variant `json:"variant"`
	Authenticated   bool          `json:"authenticated"`
	UserID          int64         `json:"userId,omitempty"`
	Email           string        `json:"email,omitempty"`
	Nickname        string        `json:"nickname,omitempty"`
	ImageURL        string        `json:"imageUrl,omitempty"`
	HasAccessToken  bool          `json:"hasAccessToken"`
	HasRefreshToken bool          `json:"hasRefreshToken"`
	AccessExpiry    time.Time     `json:"accessExpiry,omitzero"`
}

func statusView(snap account.Snapshot) statusJSON {
	return statusJSON{
		Variant:         snap.Variant,
		Authenticated:   snap.Authenticated,
		UserID:          snap.Identity.UserID,
		Email:           snap.Identity.Email,
		Nickname:        snap.Identity.Nickname,
		ImageURL:        snap.Identity.ImageURL,
		HasAccessToken:  snap.HasAccessToken,
		HasRefreshToken: snap.HasRefreshToken,
		AccessExpiry:    snap.AccessExpiry,
	}
}

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request [METHOD] PATH",
		Short: "Send an authenticated request and print the response body",
		Example: `  authgate request /posts/42
  authgate request POST /posts --data '{"title":"hello"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: withApp(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			method, path := http.MethodGet, args[0]
			if len(args) == 2 {
				method, path = strings.ToUpper(args[0]), args[1]
			}
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}

			opts := api.Options{Method: method}
			if data, _ := cmd.Flags().GetString("data"); data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				opts.Body = json.RawMessage(data)
			}

			resp, err := app.gateway.Request(ctx, path, opts)
			if err != nil {
				var httpErr *api.HTTPError
				if errors.As(err, &httpErr) && httpErr.Payload != nil {
					printJSON(cmd.ErrOrStderr(), httpErr.Payload)
				}
				return err
			}
			if s, ok := resp.Body.(string); ok {
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), resp.Body)
		}),
	}
	cmd.Flags().StringP("data", "d", "", "JSON request body")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token (token variant)",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			if _, err := app.account.Refresh(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessStyle.Render("✓ Access token refreshed"))
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderHeader(app.account.Snapshot()))
			return nil
		}),
	}
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload an image and print its URL",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
			folder, _ := cmd.Flags().GetString("folder")
			if folder != upload.FolderImages && folder != upload.FolderProfiles {
				return fmt.Errorf("--folder must be %q or %q", upload.FolderImages, upload.FolderProfiles)
			}

			f, err := upload.ReadFile(args[0])
			if err != nil {
				return err
			}
			imageURL, err := app.uploader.Upload(ctx, f, folder)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), imageURL)
			return nil
		}),
	}
	cmd.Flags().String("folder", upload.FolderImages, "Destination folder: images or profiles")
	return cmd
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the live account header, following changes from other sessions",
		Long: `Shows the account header and keeps it current. Changes made by other
processes sharing the same state file or redis instance are picked up, and with
the session variant the server session is checked periodically.`,
		Args: cobra.NoArgs,
		RunE: withApp(runWatch),
	}
	cmd.Flags().Bool("simple", false, "Use simple output mode (no fancy UI)")
	return cmd
}

func runWatch(ctx context.Context, app *application, cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	simpleMode, _ := cmd.Flags().GetBool("simple")

	var (
		observer  store.Observer
		onMonitor func(account.MonitorEvent)
		tui       *ui.App
	)
	if simpleMode || !isTerminal() {
		printer := ui.NewHeaderPrinter(cmd.OutOrStdout(), app.account.Snapshot)
		printer.StateChanged(store.Change{})
		observer = printer
		onMonitor = func(ev account.MonitorEvent) {
			if ev.Err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), ui.WarningStyle.Render("⚠ session check failed: "+describeError(ev.Err)))
			}
		}
	} else {
		// onQuit triggers context cancellation when user quits via UI (pressing 'q')
		tui = ui.NewApp(app.account.Snapshot, cancel)
		observer = tui
		onMonitor = tui.MonitorHandler
	}

	unsubscribe := app.store.Subscribe(observer)
	defer unsubscribe()

	go func() {
		if err := app.store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			if errors.Is(err, store.ErrWatchUnsupported) {
				logging.Debug("state backend %s cannot report remote changes", app.cfg.State)
				return
			}
			logging.Error("stopped watching remote changes: %v", err)
		}
	}()

	if app.cfg.Variant == store.VariantSession {
		monitor := account.NewMonitor(app.account, app.store, onMonitor)
		monitor.Start(ctx, app.cfg.MonitorInterval)
		defer monitor.Stop()
	}

	if tui == nil {
		<-ctx.Done()
		return nil
	}

	go func() {
		<-ctx.Done()
		tui.Quit()
	}()
	return tui.Run()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeError turns protocol failures into what the user should do next
func describeError(err error) string {
	var (
		reauth   *api.ReauthenticationRequiredError
		decode   *api.DecodeError
		httpErr  *api.HTTPError
		loginErr = errors.Is(err, account.ErrLoginFailed)
	)
	switch {
	case errors.As(err, &reauth) && !loginErr:
		return "login required: run `authgate login`"
	case errors.As(err, &decode):
		logging.Error("%s", decode.Detail())
		return err.Error()
	case errors.As(err, &httpErr) && !loginErr:
		return fmt.Sprintf("%s (status %d)", httpErr.Message, httpErr.StatusCode)
	}
	return err.Error()
}

// isTerminal checks if stdout is a terminal
func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
