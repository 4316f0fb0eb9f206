package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/inspectd/inspectd/internal/account"
	"github.com/inspectd/inspectd/internal/api"
	"github.com/inspectd/inspectd/internal/buildinfo"
	"github.com/inspectd/inspectd/internal/config"
	"github.com/inspectd/inspectd/internal/dispatch"
	"github.com/inspectd/inspectd/internal/fleet"
	"github.com/inspectd/inspectd/internal/gamedata"
	"github.com/inspectd/inspectd/internal/outbound"
	"github.com/inspectd/inspectd/internal/proxypool"
	"github.com/inspectd/inspectd/internal/queue"
	"github.com/inspectd/inspectd/internal/store"
)

type inspectdApp struct {
	envCfg  *config.EnvConfig
	store   *store.Store
	builder *outbound.SingboxBuilder
	pool    *proxypool.Pool
	fleet   *fleet.Supervisor
	queue   *queue.Queue
	server  *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	log.Printf("inspectd %s (%s) starting", buildinfo.Version, buildinfo.GitCommit)

	app, err := newInspectdApp(envCfg)
	if err != nil {
		return err
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s:%d", envCfg.ListenAddress, envCfg.Port)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runtimeErr error
	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down", sig)
	case runtimeErr = <-serverErrCh:
		log.Printf("server error: %v", runtimeErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)
	return runtimeErr
}

func newInspectdApp(envCfg *config.EnvConfig) (*inspectdApp, error) {
	app := &inspectdApp{envCfg: envCfg}

	accounts, err := account.LoadFile(envCfg.AccountsFile)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, errors.New("no accounts configured")
	}

	tables := gamedata.Empty()
	if envCfg.GameDataFile != "" {
		tables, err = gamedata.LoadFile(envCfg.GameDataFile)
		if err != nil {
			return nil, fmt.Errorf("load game data: %w", err)
		}
	}

	if err := os.MkdirAll(envCfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	app.store, err = store.Open(filepath.Join(envCfg.DataDir, "items.db"), 0)
	if err != nil {
		return nil, fmt.Errorf("open item store: %w", err)
	}

	app.builder, err = outbound.NewSingboxBuilder()
	if err != nil {
		app.store.Close()
		return nil, fmt.Errorf("outbound builder: %w", err)
	}

	groups, err := proxypool.LoadGroups(envCfg.ProxiesFile, app.builder)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	app.pool = proxypool.New(proxypool.Config{
		MaxRequestsPerProxy: envCfg.MaxRequestsPerProxy,
		RequestCooldown:     envCfg.ProxyCooldown,
		Strategy:            envCfg.SelectionStrategy,
		Retry: proxypool.RetryPolicy{
			Enabled:       envCfg.RetryEnabled,
			MaxRetries:    envCfg.MaxRetries,
			ExcludeFailed: envCfg.ExcludeFailed,
			Delay:         envCfg.RetryDelay,
		},
	}, groups)

	app.fleet, err = fleet.New(fleet.Config{
		Accounts:            accounts,
		MaxOnlineBots:       envCfg.MaxOnlineBots,
		SpareAccountDelay:   envCfg.SpareAccountDelay,
		MaintenanceSchedule: envCfg.MaintenanceSchedule,
		Pool:                app.pool,
		Factory:             newUpstreamTransport,
		RequestDelay:        envCfg.RequestDelay,
		RequestTTL:          envCfg.RequestTTL,
		ReloginMin:          envCfg.ReloginMin,
		ReloginJitter:       envCfg.ReloginJitter,
	})
	if err != nil {
		app.close()
		return nil, err
	}

	dispatcher := dispatch.New(app.pool, app.fleet, app.store, tables)
	app.queue = queue.New(queue.Config{
		Handler:     dispatcher.Handle,
		Pool:        app.pool,
		ReadyCount:  app.fleet.ReadyCount,
		MaxAttempts: envCfg.MaxAttempts,
	})

	app.server = api.NewServer(api.Config{
		ListenAddress:           envCfg.ListenAddress,
		Port:                    envCfg.Port,
		MaxBodyBytes:            int64(envCfg.MaxBodyBytes),
		BulkKey:                 envCfg.BulkKey,
		AuthKey:                 envCfg.AuthKey,
		PriceKey:                envCfg.PriceKey,
		MaxSimultaneousRequests: envCfg.MaxSimultaneousRequests,
		MaxQueueSize:            envCfg.MaxQueueSize,
		AllowedOrigins:          envCfg.AllowedOrigins,
		AllowedRegexOrigins:     envCfg.AllowedRegexOrigins,
		RateLimitCount:          envCfg.RateLimitCount,
		RateLimitWindow:         envCfg.RateLimitWindow,
	}, api.Deps{
		Queue:  app.queue,
		Fleet:  app.fleet,
		Pool:   app.pool,
		Store:  app.store,
		Tables: tables,
	})

	app.queue.Start()
	app.fleet.Start()
	return app, nil
}

func (a *inspectdApp) shutdown(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}
	a.close()
	log.Println("stopped")
}

func (a *inspectdApp) close() {
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.fleet != nil {
		a.fleet.Close()
	}
	if a.builder != nil {
		a.builder.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
