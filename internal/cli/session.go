package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillsync/internal/metrics"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/session"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/syncerr"
)

// SessionOptions holds flags for the session commands.
type SessionOptions struct {
	*RootOptions
	TTL         time.Duration
	MetricsAddr string
	RetryAfter  time.Duration
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and drive the authenticated session",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Resolve and print the current session",
		Long: `Initialize a session manager against the database, wait for it to
settle and print the result.

Exit codes:
  0 - Session settled as authenticated or unauthenticated
  1 - Session resolution failed (network error, timeout)
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionShow(cmd.Context(), opts, cmd)
		},
	}

	signin := &cobra.Command{
		Use:   "signin <user-id>",
		Short: "Start a session for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignIn(cmd.Context(), opts, args[0], cmd)
		},
	}
	signin.Flags().DurationVar(&opts.TTL, "ttl", store.DefaultSessionTTL, "session lifetime")

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Rotate the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefresh(cmd.Context(), opts, cmd)
		},
	}
	refresh.Flags().DurationVar(&opts.TTL, "ttl", store.DefaultSessionTTL, "session lifetime")

	signout := &cobra.Command{
		Use:   "signout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignOut(cmd.Context(), opts, cmd)
		},
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Follow session changes until interrupted",
		Long: `Run a session manager against the database and print every session
change. Auth events written by other processes (signin, refresh, signout)
are picked up by polling.

With --metrics-addr set, Prometheus metrics are served on /metrics.

Example:
  tillsync --db ./till.db session watch --metrics-addr :9090
  tillsync session watch --retry-after 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionWatch(cmd.Context(), opts, cmd)
		},
	}
	watch.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default $TILLSYNC_METRICS_ADDR)")
	watch.Flags().DurationVar(&opts.RetryAfter, "retry-after", 0, "retry this long after a failed resolution (0 disables)")

	cmd.AddCommand(show, signin, refresh, signout, watch)
	return cmd
}

func (o *SessionOptions) newManager(st remote.Store, rec session.Recorder) *session.Manager {
	return session.New(st,
		session.WithFetchTimeout(o.Config.FetchTimeout),
		session.WithLogger(o.logger()),
		session.WithRecorder(rec),
	)
}

func runSessionShow(ctx context.Context, opts *SessionOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := resolveSession(ctx, opts.newManager(st, nil))
	if err != nil {
		return WrapExitError(ExitCommandError, "session manager stopped", err)
	}

	out := opts.formatter(cmd)
	if s.Status == session.Failed {
		return out.Fail("session resolution failed", s.Err)
	}
	if opts.Format == "json" {
		return out.Success(sessionView(s))
	}
	fmt.Fprintln(cmd.OutOrStdout(), describeSession(s))
	return nil
}

// resolveSession runs mgr until its first settled state and closes it.
func resolveSession(ctx context.Context, mgr *session.Manager) (session.Session, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(runCtx) }()
	defer func() {
		_ = mgr.Close()
		<-runErr
	}()

	if err := mgr.Init(); err != nil {
		return session.Session{}, err
	}
	if err := mgr.Flush(ctx); err != nil {
		return session.Session{}, err
	}
	return mgr.AwaitSettled(ctx)
}

func runSignIn(ctx context.Context, opts *SessionOptions, userID string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	out := opts.formatter(cmd)
	info, err := st.SignIn(ctx, userID, opts.TTL)
	if errors.Is(err, remote.ErrNotFound) {
		return out.Fail("sign in", fmt.Errorf("no user %q", userID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "sign in", err)
	}
	return reportSessionInfo(out, cmd.OutOrStdout(), "signed in", info)
}

func runRefresh(ctx context.Context, opts *SessionOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	out := opts.formatter(cmd)
	info, err := st.Refresh(ctx, opts.TTL)
	if errors.Is(err, store.ErrNoSession) {
		return out.Fail("refresh", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "refresh", err)
	}
	return reportSessionInfo(out, cmd.OutOrStdout(), "refreshed", info)
}

func runSignOut(ctx context.Context, opts *SessionOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SignOut(ctx); err != nil {
		return WrapExitError(ExitCommandError, "sign out", err)
	}
	if opts.Format == "json" {
		return opts.formatter(cmd).Success(map[string]any{"status": "signed_out"})
	}
	fmt.Fprintln(cmd.OutOrStdout(), "signed out")
	return nil
}

func reportSessionInfo(out *OutputFormatter, w io.Writer, verb string, info remote.SessionInfo) error {
	if out.Format == "json" {
		return out.Success(map[string]any{
			"user":       info.UserID,
			"token":      info.Token,
			"expires_at": info.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	fmt.Fprintf(w, "%s as %s (expires %s)\n", verb, info.UserID, info.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

func runSessionWatch(ctx context.Context, opts *SessionOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	addr := opts.MetricsAddr
	if addr == "" {
		addr = opts.Config.MetricsAddr
	}
	return watchSession(ctx, opts, st, addr, cmd.OutOrStdout())
}

// watchSession prints every session change to w until ctx is done.
func watchSession(ctx context.Context, opts *SessionOptions, st remote.Store, metricsAddr string, w io.Writer) error {
	reg := prometheus.NewRegistry()
	mgr := opts.newManager(st, metrics.NewCollector(reg))
	logger := opts.logger()

	changes := make(chan session.Session, 64)
	unsubscribe := mgr.Subscribe(func(s session.Session) {
		select {
		case changes <- s:
		default:
			logger.Warn("session watch falling behind, dropping change", "status", s.Status)
		}
	})
	defer unsubscribe()

	// Queued before Run so the first resolution starts with the loop.
	if err := mgr.Init(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mgr.Run(gctx)
	})

	g.Go(func() error {
		var retry *time.Timer
		defer func() {
			if retry != nil {
				retry.Stop()
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-changes:
				if opts.Format == "json" {
					if err := opts.formatterFor(w).Success(sessionView(s)); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(w, describeSession(s))
				}
				if s.Status == session.Failed && opts.RetryAfter > 0 {
					if retry != nil {
						retry.Stop()
					}
					retry = time.AfterFunc(opts.RetryAfter, func() {
						if err := mgr.Retry(); err != nil && !errors.Is(err, session.ErrClosed) {
							logger.Warn("session retry failed", "error", err)
						}
					})
				}
			}
		}
	})

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	_ = mgr.Close()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (o *RootOptions) formatterFor(w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: w, Verbose: o.Verbose}
}

// sessionView is the JSON shape of a Session.
func sessionView(s session.Session) map[string]any {
	view := map[string]any{"status": s.Status.String()}
	if s.User != nil {
		view["user"] = s.User.ID
		if s.User.Role != "" {
			view["role"] = s.User.Role
		}
		if len(s.User.Profile) > 0 {
			view["profile"] = s.User.Profile
		}
	}
	if s.Token != "" {
		view["token"] = s.Token
	}
	if s.Err != nil {
		view["error"] = string(syncerr.CodeOf(s.Err))
		view["message"] = s.Err.Error()
	}
	return view
}

func describeSession(s session.Session) string {
	switch {
	case s.User != nil && s.User.Role != "":
		return fmt.Sprintf("%s: %s (%s)", s.Status, s.User.ID, s.User.Role)
	case s.User != nil:
		return fmt.Sprintf("%s: %s", s.Status, s.User.ID)
	case s.Err != nil:
		return fmt.Sprintf("%s: %v", s.Status, s.Err)
	default:
		return s.Status.String()
	}
}
