package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"sverka/internal/config"
	"sverka/internal/creds"
	"sverka/internal/gateway"
	"sverka/internal/metrics"
	"sverka/internal/session"
	"sverka/internal/storage"
	"sverka/internal/store"
	"sverka/internal/ui"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := storage.New(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	cs := creds.NewStore()
	st := store.New()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	gw := gateway.NewClient(ctx, cfg.APIBase, cfg.HTTPTimeout, cs)

	saveSnapshot := func() {
		pair, ok := cs.Get()
		if !ok {
			return
		}
		err := db.Save(storage.Snapshot{
			Username:     cs.Identity(),
			RefreshToken: pair.Refresh,
			SavedAt:      time.Now(),
		})
		if err != nil {
			slog.Warn("saving session snapshot", "error", err)
		}
	}

	engine := session.New(session.Config{
		WSURL:           cfg.WSURL,
		OnAuthenticated: saveSnapshot,
		OnTerminated: func() {
			if err := db.Delete(); err != nil {
				slog.Warn("deleting session snapshot", "error", err)
			}
		},
	}, gw, cs, st, collector)

	// A refresh rotates both tokens: replace the streaming channel and keep
	// the stored snapshot current.
	gw.OnRefreshed(func(access string) {
		engine.ReplaceChannel(access)
		saveSnapshot()
	})

	// Resume from a stored refresh token when one exists.
	if snap, ok, err := db.Load(); err != nil {
		slog.Warn("loading session snapshot", "error", err)
	} else if ok {
		cs.Set("", snap.RefreshToken)
		cs.SetIdentity(snap.Username)
		engine.Resume()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := engine.Run(gCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
		g.Go(func() error {
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		program := tea.NewProgram(ui.New(engine), tea.WithAltScreen(), tea.WithContext(gCtx))
		_, err := program.Run()
		cancel()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
