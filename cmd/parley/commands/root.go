package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dyluth/parley/internal/config"
	"github.com/dyluth/parley/internal/credentials"
	"github.com/dyluth/parley/internal/logging"
	"github.com/dyluth/parley/internal/metrics"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/pkg/forum"
	"github.com/dyluth/parley/pkg/reconcile"
	"github.com/dyluth/parley/pkg/stream"
)

var (
	version string
	commit  string
	date    string
)

// Global flags
var (
	configPath string
	serverURL  string
	verbose    bool
)

// runtime holds what every command needs once flags and config are resolved.
type runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	store   credentials.Store
	client  *forum.Client
	metrics *metrics.Metrics
}

// rt is set by setup before any command's RunE and released by teardown.
var rt *runtime

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - command-line client for the forum",
	Long: `Parley is a command-line client for the forum: browse categories and topics,
read and post messages, and follow a topic live.

Live commands (watch, chat) keep the message list of a topic in sync with the
server: they load recent history, apply push events as they arrive, and resync
after the push connection drops.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: setup,
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext is Execute with a context that live commands stop on.
func ExecuteContext(ctx context.Context) error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	defer teardown()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.parley/config.yml)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Forum API URL (overrides config and PARLEY_SERVER)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging on stderr")
}

// setup loads the config and builds the logger, credential store and client.
func setup(cmd *cobra.Command, args []string) error {
	switch cmd.Name() {
	case "help", "completion", "init", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return nil
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": path},
			[]string{"Fix the config file or the PARLEY_* environment variables"},
		)
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
		if err := cfg.Validate(); err != nil {
			return printer.Error("invalid --server", err.Error(), []string{"Use an http(s) URL, e.g. --server https://forum.example.com/api"})
		}
	}

	log, err := logging.New(cfg.Log, verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	store, err := credentials.Open(cfg, log.Named("credentials"))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	client, err := forum.NewClient(forum.Options{
		BaseURL:    cfg.Server.URL,
		AuthURL:    cfg.Server.AuthURL,
		Tokens:     store,
		HTTPClient: &http.Client{Timeout: cfg.Server.Timeout},
		Logger:     log.Named("forum"),
		RateLimit:  rate.Limit(cfg.Server.RateLimit),
		Burst:      cfg.Server.Burst,
		UserAgent:  userAgent(),
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create forum client: %w", err)
	}

	rt = &runtime{cfg: cfg, log: log, store: store, client: client, metrics: metrics.New()}
	log.Debug("configuration loaded", zap.String("config", path), zap.String("server", cfg.Server.URL), zap.String("stream", cfg.Stream.Mode))
	return nil
}

func teardown() {
	if rt == nil {
		return
	}
	if err := rt.store.Close(); err != nil {
		rt.log.Warn("failed to close credential store", zap.Error(err))
	}
	_ = rt.log.Sync()
	rt = nil
}

func userAgent() string {
	if version == "" {
		return "parley/dev"
	}
	return "parley/" + version
}

// parseID parses a positional id argument.
func parseID(kind, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, printer.Error(
			fmt.Sprintf("invalid %s id", kind),
			fmt.Sprintf("'%s' is not a positive number.", arg),
			nil,
		)
	}
	return id, nil
}

// requireLogin fails with a login hint when no credentials are stored.
func requireLogin(ctx context.Context) error {
	if _, err := rt.client.AccessToken(ctx); err != nil {
		if forum.IsUnauthorized(err) {
			return printer.Error("not logged in", "This command needs an account.", []string{"Log in first:\n  parley login --email <email>"})
		}
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	return nil
}

// requireAdmin guards the admin commands.
func requireAdmin(ctx context.Context) error {
	if err := requireLogin(ctx); err != nil {
		return err
	}
	if err := rt.client.RequireAdmin(ctx); err != nil {
		if forum.IsForbidden(err) {
			return printer.Error("admin role required", "This command needs an administrator account.", []string{"Check your role:\n  parley whoami"})
		}
		return printer.APIError("check your role", err)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// subscriber builds the push transport selected by stream.mode, wrapped so
// that a dropped connection is re-established and followed by a resync.
func (r *runtime) subscriber() (stream.Subscriber, io.Closer, error) {
	log := r.log.Named("stream")

	var inner stream.Subscriber
	var closer io.Closer = nopCloser{}

	switch r.cfg.Stream.Mode {
	case config.StreamWebSocket:
		ws, err := r.webSocket()
		if err != nil {
			return nil, nil, err
		}
		inner = ws
	case config.StreamPoll:
		poll := stream.NewPollingSubscriber(r.client, log)
		poll.Interval = r.cfg.Stream.PollInterval
		poll.PageSize = r.cfg.Chat.PageSize
		inner = poll
	case config.StreamRedis:
		relay, err := stream.NewRedisRelay(credentials.RedisOptions(r.cfg.Redis), r.cfg.Redis.Prefix, log)
		if err != nil {
			return nil, nil, err
		}
		inner = relay
		closer = relay
	default:
		return nil, nil, fmt.Errorf("unknown stream mode: %s", r.cfg.Stream.Mode)
	}

	return &stream.Reconnecting{
		Inner:       inner,
		Backoff:     r.cfg.Stream.Backoff(),
		MaxAttempts: r.cfg.Stream.Reconnect.MaxAttempts,
		Logger:      log,
		OnReconnect: r.metrics.Reconnected,
	}, closer, nil
}

func (r *runtime) webSocket() (*stream.WebSocketSubscriber, error) {
	wsURL := r.cfg.Server.WebSocketURL
	if wsURL == "" {
		var err error
		wsURL, err = stream.WebSocketURL(r.cfg.Server.URL)
		if err != nil {
			return nil, err
		}
	}
	return stream.NewWebSocketSubscriber(wsURL, r.client, r.log.Named("stream"))
}

// openSession starts a live session on a topic. The returned func releases it.
func (r *runtime) openSession(ctx context.Context, topicID int64, writable bool) (*reconcile.Session, func(), error) {
	sub, closer, err := r.subscriber()
	if err != nil {
		return nil, nil, err
	}

	follow := reconcile.FollowPolicy{Threshold: r.cfg.Chat.FollowThreshold}
	cfg := reconcile.Config{
		ChannelID:  topicID,
		Fetcher:    r.client,
		Subscriber: sub,
		PageSize:   r.cfg.Chat.PageSize,
		Logger:     r.log.Named("session"),
		Observer:   r.metrics,
	}
	if writable {
		cfg.Sender = r.client
		if claims, err := r.client.CurrentClaims(ctx); err == nil {
			follow.LocalUserID = claims.UserID
		}
	}
	cfg.Follow = follow

	sess, err := reconcile.Open(ctx, cfg)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	r.metrics.SessionOpened()

	return sess, func() {
		_ = sess.Close()
		_ = closer.Close()
		r.metrics.SessionClosed()
	}, nil
}

// serveMetrics exposes metrics until ctx is done when metrics.listen is set.
func (r *runtime) serveMetrics(ctx context.Context) {
	addr := r.cfg.Metrics.Listen
	if addr == "" {
		return
	}
	go func() {
		if err := r.metrics.Serve(ctx, addr, r.log.Named("metrics")); err != nil {
			r.log.Warn("metrics endpoint failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

// watchCredentials picks up logins and refreshes made by other parley processes.
func (r *runtime) watchCredentials(ctx context.Context) {
	fs, ok := r.store.(*credentials.FileStore)
	if !ok {
		return
	}
	fs.OnChange = func(creds forum.Credentials) {
		if creds.IsZero() {
			printer.Notice("🔑 Logged out in another terminal; sending is disabled until you log in again\n")
			return
		}
		printer.Notice("🔑 Credentials updated\n")
	}
	if err := fs.Watch(ctx); err != nil {
		r.log.Warn("cannot watch credentials file", zap.Error(err))
	}
}
