// Command server runs the CLI proxy: an OpenAI-compatible HTTP front for a
// pool of AI coding-assistant credentials, with per-model cooldowns, fallback
// chains, and provider-native pass-through routes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quotio/cliproxy/internal/api"
	"github.com/quotio/cliproxy/internal/buildinfo"
	"github.com/quotio/cliproxy/internal/config"
	"github.com/quotio/cliproxy/internal/logging"
	runtimeexecutor "github.com/quotio/cliproxy/internal/runtime/executor"
	"github.com/quotio/cliproxy/internal/store"
	"github.com/quotio/cliproxy/internal/util"
	"github.com/quotio/cliproxy/sdk/cliproxy"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	"github.com/quotio/cliproxy/sdk/cliproxy/usage"
	translatorbuiltin "github.com/quotio/cliproxy/sdk/translator/builtin"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("CLIProxy Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configuration file path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	util.SetLogLevel(cfg)
	coreauth.SetQuotaCooldownDisabled(cfg.DisableCooling)

	if strings.TrimSpace(cfg.AuthDir) == "" {
		if ucd, ucdErr := os.UserConfigDir(); ucdErr == nil {
			cfg.AuthDir = filepath.Join(ucd, "cliproxy", "auths")
		} else {
			cfg.AuthDir = filepath.Join(wd, "auths")
		}
	}
	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		log.Errorf("failed to resolve auth directory: %v", err)
		return
	}
	cfg.AuthDir = authDir

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	credStore, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Errorf("failed to initialize credential store: %v", err)
		return
	}
	defer closeStore()

	rtProvider := cliproxy.NewRoundTripperProvider()
	manager := coreauth.NewManager(credStore, rtProvider, selectorFor(cfg))
	manager.SetRetryConfig(cfg.RetryCount, time.Duration(cfg.MaxRetryWaitMs)*time.Millisecond)

	manager.RegisterExecutor(runtimeexecutor.NewClaudeExecutor(rtProvider))
	manager.RegisterExecutor(runtimeexecutor.NewGeminiExecutor(rtProvider))
	manager.RegisterExecutor(runtimeexecutor.NewOpenAICompatExecutor("openai", rtProvider))
	manager.RegisterExecutor(runtimeexecutor.NewCodexExecutor(rtProvider))

	loaded, err := manager.Load(ctx)
	if err != nil {
		log.Errorf("failed to load credentials: %v", err)
		return
	}
	log.Infof("credential pool loaded: %d auth(s), store=%s", loaded, cfg.Store.Backend)

	// A global proxy-url applies to every credential that does not carry its
	// own; the per-auth transport provider reads it from the record.
	if proxyURL := strings.TrimSpace(cfg.ProxyURL); proxyURL != "" {
		skipCtx := coreauth.WithSkipPersist(ctx)
		for _, a := range manager.List() {
			if strings.TrimSpace(a.ProxyURL) == "" {
				a.ProxyURL = proxyURL
				if _, err := manager.Update(skipCtx, a); err != nil {
					log.WithError(err).Warnf("failed to apply global proxy to auth %s", a.ID)
				}
			}
		}
	}

	// Installing the built-in translators is a side effect of touching the
	// registry accessor.
	_ = translatorbuiltin.Registry()

	var fallback *config.FallbackWatcher
	if cfg.Fallback.Enabled && strings.TrimSpace(cfg.Fallback.Path) != "" {
		fallback, err = config.NewFallbackWatcher(cfg.Fallback.Path)
		if err != nil {
			log.Errorf("failed to start fallback watcher: %v", err)
			return
		}
		defer func() { _ = fallback.Close() }()
	}

	usage.RegisterPlugin(usageLogPlugin{})
	usage.StartDefault(ctx)
	defer usage.StopDefault()

	service := cliproxy.NewService(manager, fallback)
	server := api.NewServer(cfg, service)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return refreshLoop(gctx, manager) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("server exited: %v", err)
		return
	}
	log.Info("server stopped")
}

// buildStore selects the credential persistence backend: Postgres when
// configured (cfg.Store or the PGSTORE_DSN environment override), the auth-dir
// file store otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (coreauth.Store, func(), error) {
	dsn := strings.TrimSpace(cfg.Store.PostgresDSN)
	if env := strings.TrimSpace(os.Getenv("PGSTORE_DSN")); env != "" {
		dsn = env
	}
	if strings.EqualFold(cfg.Store.Backend, "postgres") || (cfg.Store.Backend == "" && dsn != "") {
		if dsn == "" {
			return nil, nil, errors.New("store backend is postgres but no DSN configured")
		}
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		pg, err := store.NewPostgresStore(connectCtx, store.PostgresStoreConfig{DSN: dsn})
		if err != nil {
			return nil, nil, err
		}
		cfg.Store.Backend = "postgres"
		return pg, pg.Close, nil
	}
	fs, err := store.NewFileStore(cfg.AuthDir)
	if err != nil {
		return nil, nil, err
	}
	cfg.Store.Backend = "file"
	return fs, func() {}, nil
}

func selectorFor(cfg *config.Config) coreauth.Selector {
	if strings.EqualFold(strings.TrimSpace(cfg.Selector), "fill-first") {
		return &coreauth.FillFirstSelector{}
	}
	return &coreauth.RoundRobinSelector{}
}

// usageLogPlugin writes one debug line per attempt; heavier consumers
// (dashboards, billing) register their own Plugin through the usage package.
type usageLogPlugin struct{}

func (usageLogPlugin) HandleUsage(_ context.Context, r usage.Record) {
	log.WithFields(log.Fields{
		"provider": r.Provider,
		"model":    r.Model,
		"auth":     r.AuthID,
		"failed":   r.Failed,
	}).Debug("attempt recorded")
}

// refreshLoop periodically refreshes credentials whose tokens are close to
// expiring, so a long-idle pool does not serve its first request with a stale
// bearer. Refresh failures mark the credential errored without stopping the
// loop; re-authorisation is an external flow.
func refreshLoop(ctx context.Context, manager *coreauth.Manager) error {
	const (
		interval = 5 * time.Minute
		lead     = 10 * time.Minute
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, a := range manager.List() {
			if a.Disabled {
				continue
			}
			expiry, ok := a.ExpirationTime()
			if !ok || time.Until(expiry) > lead {
				continue
			}
			if _, err := manager.Refresh(ctx, a.ID); err != nil {
				log.WithError(err).Warnf("refresh failed for auth %s", a.ID)
			}
		}
	}
}
