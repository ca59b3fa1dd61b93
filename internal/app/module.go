package app

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/esh3ar/internal/auth"
	"github.com/matheus3301/esh3ar/internal/bus"
	"github.com/matheus3301/esh3ar/internal/config"
	"github.com/matheus3301/esh3ar/internal/console"
	"github.com/matheus3301/esh3ar/internal/control"
	"github.com/matheus3301/esh3ar/internal/lock"
	"github.com/matheus3301/esh3ar/internal/logging"
	"github.com/matheus3301/esh3ar/internal/profile"
	"github.com/matheus3301/esh3ar/internal/status"
)

// StartTimeout bounds authentication plus the first connection.
const StartTimeout = 45 * time.Second

// Params holds everything resolved before the fx graph is built.
type Params struct {
	Profile     string
	Config      *config.Config
	Credentials Credentials
	Console     *console.Console

	// Chat starts the outbound chat loop addressed to Peer.
	Chat bool
	Peer string

	SocketPath string // optional override for testing; empty = use default
	LogPath    string // optional override for testing; empty = use default
}

// Module returns the fx module for a notification session.
func Module(p Params) fx.Option {
	return fx.Module("esh3ar",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideConsole,
			provideBus,
			provideStateMachine,
			provideLock,
			provideHTTPClient,
			provideAuthClient,
			provideSession,
			provideControlServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	path := p.LogPath
	if path == "" {
		path = profile.LogPath(p.Profile)
	}
	return logging.New(path, p.Profile, p.Config.LogLevel)
}

func provideConfig(p Params) *config.Config {
	return p.Config
}

func provideConsole(p Params) *console.Console {
	return p.Console
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideHTTPClient(cfg *config.Config) *http.Client {
	return auth.NewHTTPClient(cfg.InsecureSkipVerify)
}

func provideAuthClient(cfg *config.Config, hc *http.Client, logger *zap.Logger) *auth.Client {
	return auth.NewClient(auth.Options{
		TokenURL:   cfg.URL(cfg.TokenPath),
		ClientID:   cfg.ClientID,
		Scope:      cfg.Scope,
		HTTPClient: hc,
		Logger:     logger.Named("auth"),
	})
}

func provideSession(p Params, cfg *config.Config, a *auth.Client, hc *http.Client, con *console.Console, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Session {
	return NewSession(cfg, p.Credentials, a, hc, con, m, b, logger)
}

// The lock is taken first so a second instance never replaces a live socket.
func provideControlServer(p Params, _ *lock.Lock, m *status.Machine, logger *zap.Logger) (*control.Server, error) {
	path := p.SocketPath
	if path == "" {
		path = profile.SocketPath(p.Profile)
	}
	return control.NewServer(path, m.Current(), logger.Named("control"))
}

func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, p Params, sess *Session, ctl *control.Server, con *console.Console, lk *lock.Lock, m *status.Machine, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	// Registered first so it stops last, and still runs when Open fails.
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			con.Watch(runCtx, b)
			ctl.Follow(runCtx, b, m)
			go func() {
				if err := ctl.Start(); err != nil {
					logger.Error("control socket error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			ctl.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("session stopped")
			_ = logger.Sync()
			return nil
		},
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sess.Open(ctx); err != nil {
				return err
			}

			go func() {
				select {
				case err := <-sess.Closed():
					logger.Error("hub closed the connection", zap.Error(err))
					con.ShowError(err)
					_ = sd.Shutdown(fx.ExitCode(1))
				case <-runCtx.Done():
				}
			}()

			if p.Chat {
				go func() {
					if err := sess.Chat(runCtx, p.Peer); err != nil && runCtx.Err() == nil {
						logger.Warn("chat loop ended", zap.Error(err))
					}
					_ = sd.Shutdown()
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := sess.Close(ctx); err != nil {
				logger.Warn("error stopping hub connection", zap.Error(err))
			}
			con.Println("Disconnected.")
			return nil
		},
	})
}
