// Command agentrtd is the agent hosting runtime's daemon: it wires the
// Instantiation Service, Dispatcher, Host, Scheduler, and Event Bus
// together behind one or two Transports, boots every persisted agent, and
// serves until SIGINT/SIGTERM. Structure follows the teacher's
// cmd/server/main.go: a cobra root command with persistent flags falling
// back to environment variables, a zap logger built once and threaded
// through every component, graceful shutdown via signal.NotifyContext.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/adminauth"
	"github.com/fenlake/agentrt/internal/authz"
	"github.com/fenlake/agentrt/internal/classreg"
	_ "github.com/fenlake/agentrt/internal/demoagents"
	"github.com/fenlake/agentrt/internal/eventbus"
	"github.com/fenlake/agentrt/internal/host"
	"github.com/fenlake/agentrt/internal/instantiation"
	"github.com/fenlake/agentrt/internal/logging"
	"github.com/fenlake/agentrt/internal/scheduler"
	"github.com/fenlake/agentrt/internal/state"
	"github.com/fenlake/agentrt/internal/state/boltstate"
	"github.com/fenlake/agentrt/internal/state/memstate"
	"github.com/fenlake/agentrt/internal/state/sqlstate"
	httptransport "github.com/fenlake/agentrt/internal/transport/http"
	wstransport "github.com/fenlake/agentrt/internal/transport/ws"

	cfgpkg "github.com/fenlake/agentrt/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := cfgpkg.Defaults()

	root := &cobra.Command{
		Use:   "agentrtd",
		Short: "agentrtd — agent hosting runtime daemon",
		Long: `agentrtd hosts persisted agents behind a JSON-RPC surface, with a
built-in scheduler for delayed/recurring tasks and an event bus for
publish/subscribe between agents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address for the JSON-RPC and admin surfaces")
	flags.StringVar(&cfg.SelfBase, "self-base", cfg.SelfBase, "this process's own advertised base URL, used for agent self-addressing")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.StateBackend, "state-backend", cfg.StateBackend, "state backend: mem, bolt, or sql")
	flags.StringVar(&cfg.BoltPath, "bolt-path", cfg.BoltPath, "bbolt database file path (state-backend=bolt)")
	flags.StringVar(&cfg.SQLDriver, "sql-driver", cfg.SQLDriver, "sql driver: sqlite or postgres (state-backend=sql)")
	flags.StringVar(&cfg.SQLDSN, "sql-dsn", cfg.SQLDSN, "sql DSN or file path (state-backend=sql)")
	flags.BoolVar(&cfg.EnableWS, "enable-ws", cfg.EnableWS, "also mount the WebSocket transport")
	flags.StringVar(&cfg.AdminBootstrapEmail, "admin-email", cfgpkg.EnvOrDefault("AGENTRT_ADMIN_EMAIL", ""), "bootstrap admin account email (empty disables the admin surface)")
	flags.StringVar(&cfg.AdminBootstrapPassword, "admin-password", cfgpkg.EnvOrDefault("AGENTRT_ADMIN_PASSWORD", ""), "bootstrap admin account password")
	flags.StringVar(&cfg.AdminJWTIssuer, "admin-jwt-issuer", cfg.AdminJWTIssuer, "issuer claim stamped on admin access tokens")
	flags.BoolVar(&cfg.AdminCookieSecure, "admin-cookie-secure", cfg.AdminCookieSecure, "mark admin session cookies Secure (enable behind TLS)")
	flags.StringVar(&cfg.OIDCIssuer, "oidc-issuer", cfgpkg.EnvOrDefault("AGENTRT_OIDC_ISSUER", ""), "OIDC issuer URL (empty disables OIDC login)")
	flags.StringVar(&cfg.OIDCClientID, "oidc-client-id", cfgpkg.EnvOrDefault("AGENTRT_OIDC_CLIENT_ID", ""), "OIDC client id")
	flags.StringVar(&cfg.OIDCClientSecret, "oidc-client-secret", cfgpkg.EnvOrDefault("AGENTRT_OIDC_CLIENT_SECRET", ""), "OIDC client secret")
	flags.StringVar(&cfg.OIDCRedirectURL, "oidc-redirect-url", cfgpkg.EnvOrDefault("AGENTRT_OIDC_REDIRECT_URL", ""), "OIDC redirect URL")
	flags.StringVar(&cfg.OIDCScopes, "oidc-scopes", cfgpkg.EnvOrDefault("AGENTRT_OIDC_SCOPES", "openid email profile"), "space-separated OIDC scopes")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentrtd %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *cfgpkg.Config) error {
	logger, err := logging.Build(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting agentrtd",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("self_base", cfg.SelfBase),
		zap.String("state_backend", cfg.StateBackend),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. State Service ---
	st, closeState, err := buildStateService(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build state service: %w", err)
	}
	defer closeState()

	// --- 2. Instantiation Service ---
	inst := instantiation.New(st, classreg.Default, logger)

	// --- 3. Admin auth (optional) ---
	var adminSvc *adminauth.Service
	if cfg.AdminBootstrapEmail != "" {
		adminSvc, err = buildAdminService(ctx, cfg, st, logger)
		if err != nil {
			return fmt.Errorf("failed to build admin auth: %w", err)
		}
	}

	// --- 4. Host ---
	h := host.New(host.Config{
		Instantiation:     inst,
		State:             st,
		DefaultAuthorizor: authz.AllowAll(),
		Logger:            logger,
		SelfBase:          cfg.SelfBase,
	})
	inst.SetRuntime(h)

	// --- 5. Scheduler + recurring scheduler ---
	sched, err := scheduler.New(st, h.SchedulerReceiver(), logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Restore(ctx); err != nil {
		logger.Warn("scheduler restore failed", zap.Error(err))
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()
	h.SetScheduler(sched)

	recurring := scheduler.NewRecurring(sched, logger)
	if err := recurring.Restore(ctx); err != nil {
		logger.Warn("recurring scheduler restore failed", zap.Error(err))
	}
	recurring.Start()
	defer recurring.Stop()
	h.SetRecurringScheduler(recurring)

	// --- 6. Event Bus ---
	bus := eventbus.New(st, h.AsyncSender(), logger)
	h.SetEventBus(bus)

	// --- 7. Transports ---
	var adminAuth httptransport.TokenValidator
	var adminSurface httptransport.Admin
	var adminLogin httptransport.LoginService
	if adminSvc != nil {
		adminAuth = adminSvc
		adminSurface = inst
		adminLogin = adminSvc
	}

	httpT := httptransport.New(httptransport.Config{
		Receiver: h,
		Fulfill:  h.Fulfill,
		Admin:    adminSurface,
		Auth:     adminAuth,
		Login:    adminLogin,
		Secure:   cfg.AdminCookieSecure,
		Logger:   logger,
	})
	h.RegisterTransport(httpT)

	mux := http.NewServeMux()
	mux.Handle("/", httpT.Router())

	if cfg.EnableWS {
		wsT := wstransport.New(wstransport.Config{
			Receiver: h,
			Fulfill:  h.Fulfill,
			Logger:   logger,
		})
		h.RegisterTransport(wsT)
		mux.Handle("GET /agents/{agentId}/ws", wsT.Router())
	}

	// --- 8. Boot every persisted agent ---
	if err := inst.Boot(ctx); err != nil {
		return fmt.Errorf("failed to boot agents: %w", err)
	}

	// --- 9. HTTP server ---
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down agentrtd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("agentrtd stopped")
	return nil
}

func buildStateService(cfg *cfgpkg.Config, logger *zap.Logger) (state.Service, func(), error) {
	switch cfg.StateBackend {
	case "bolt":
		st, err := boltstate.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "sql":
		st, err := sqlstate.Open(sqlstate.Config{
			Driver: cfg.SQLDriver,
			DSN:    cfg.SQLDSN,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "mem", "":
		st := memstate.New()
		return st, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func buildAdminService(ctx context.Context, cfg *cfgpkg.Config, st state.Service, logger *zap.Logger) (*adminauth.Service, error) {
	store := adminauth.NewStore(st)

	jwtManager, err := adminauth.NewJWTManagerGenerated(cfg.AdminJWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("building jwt manager: %w", err)
	}

	var oidcProvider *adminauth.OIDCProvider
	if cfg.OIDCIssuer != "" {
		oidcProvider, err = adminauth.NewOIDCProvider(adminauth.OIDCConfig{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		}, store, jwtManager)
		if err != nil {
			return nil, fmt.Errorf("building oidc provider: %w", err)
		}
	}

	svc := adminauth.New(store, jwtManager, oidcProvider)
	if err := svc.Bootstrap(ctx, cfg.AdminBootstrapEmail, cfg.AdminBootstrapPassword); err != nil {
		logger.Warn("admin bootstrap failed", zap.Error(err))
	}
	return svc, nil
}
