// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/qui-remote/internal/metrics"
	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

const (
	connectTimeout  = 60 * time.Second
	shutdownTimeout = 30 * time.Second
)

func RunServeCommand(flags *globalFlags) *cobra.Command {
	var profileRef string

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Connect to a server and keep its state in sync",
		Long: `Connect to a server and keep its state in sync until interrupted.

SIGUSR1 moves the client to the background (polling paused),
SIGUSR2 brings it back to the foreground. SIGHUP retries the
connection after a failure, unless the server is still in its
failure backoff. SIGINT and SIGTERM disconnect and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.serve(cmd.Context(), profileRef)
		},
	}

	command.Flags().StringVar(&profileRef, "profile", "", "server profile id or name (default is the active server)")

	return command
}

func (app *Application) serve(ctx context.Context, profileRef string) error {
	profile, err := app.resolveProfile(ctx, profileRef)
	if err != nil {
		return err
	}

	log.Info().Str("version", Version).Str("server", profile.Name).Str("address", profile.Address()).Msg("Starting qui-remote")

	remote := app.NewRemote()
	unsubscribe := remote.Sync.Subscribe(newSyncLogger(remote.Sync.View, log.Logger).handle)
	defer unsubscribe()

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = app.connect(connCtx, remote, profile)
	cancel()
	if err != nil {
		return err
	}

	errorChannel := make(chan error, 1)

	var metricsServer *metrics.Server
	if app.cfg.Config.MetricsEnabled {
		manager := metrics.NewManager(remote.Sync, remote.Connections)
		metricsServer = metrics.NewServer(app.cfg.Config.MetricsHost, app.cfg.Config.MetricsPort, manager, remote.Sync, remote.Connections)

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, lifecycleSignals...)...)
	defer signal.Stop(sigCh)

wait:
	for {
		select {
		case sig := <-sigCh:
			if isRetrySignal(sig) {
				if err := app.retry(ctx, remote); err != nil {
					log.Error().Err(err).Msg("Manual reconnect failed")
				}
				continue
			}
			if next, ok := lifecycleTransition(sig); ok {
				if err := remote.Lifecycle.HandleTransition(ctx, next); err != nil {
					log.Error().Err(err).Str("state", next.String()).Msg("Lifecycle transition failed")
				}
				continue
			}
			log.Info().Msgf("got signal %v, shutting down", sig.String())
			break wait
		case err := <-errorChannel:
			log.Error().Err(err).Msg("got unexpected error from metrics server")
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during graceful metrics shutdown")
		}
	}

	remote.Close(shutdownCtx)
	log.Info().Msg("Disconnected")
	return nil
}

// retry reconnects the last server unless it is still in its failure
// backoff. A healthy connection gets a full resync instead.
func (app *Application) retry(ctx context.Context, remote *qbittorrent.Remote) error {
	if remote.Lifecycle.State() == qbittorrent.AppStateBackground {
		log.Debug().Msg("Ignoring reconnect request while in background")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if !remote.Connections.IsConnected() {
		if err := remote.Connections.Reconnect(ctx); err != nil {
			return err
		}
		if profile := remote.Connections.ActiveProfile(); profile != nil {
			if err := app.profiles.TouchLastConnected(ctx, profile.ID, time.Now()); err != nil {
				log.Warn().Err(err).Int("serverID", profile.ID).Msg("Failed to record last connection time")
			}
		}
	}

	remote.Sync.ClearError()
	return remote.Sync.ForceRefresh(ctx)
}

// syncLogger logs a summary of the view whenever its content changes.
// Polls that only move speeds or the rid stay quiet.
type syncLogger struct {
	view   func() *qbittorrent.View
	logger zerolog.Logger

	mu          sync.Mutex
	fingerprint uint64
	seen        bool
}

func newSyncLogger(view func() *qbittorrent.View, logger zerolog.Logger) *syncLogger {
	return &syncLogger{view: view, logger: logger}
}

func (l *syncLogger) handle(event qbittorrent.Event) {
	switch event.Type {
	case qbittorrent.EventUpdated:
		view := l.view()
		fingerprint := view.Fingerprint()

		l.mu.Lock()
		unchanged := l.seen && fingerprint == l.fingerprint
		l.fingerprint, l.seen = fingerprint, true
		l.mu.Unlock()

		if unchanged && !event.Result.Full {
			return
		}

		msg := "Torrent state changed"
		if event.Result.Full {
			msg = "Full sync applied"
		}

		counts := qbittorrent.Counts(view)
		l.logger.Info().
			Int64("rid", event.Rid).
			Int("torrents", counts.Total).
			Int("downloading", counts.Status["downloading"]).
			Int("seeding", counts.Status["seeding"]).
			Int("errored", counts.Status["errored"]).
			Int("categories", len(counts.Categories)).
			Str("fingerprint", strconv.FormatUint(fingerprint, 16)).
			Msg(msg)
	case qbittorrent.EventError:
		if event.Err != nil {
			l.logger.Debug().Str("kind", event.Err.Kind.String()).Int64("rid", l.view().Rid).Msg("Sync error surfaced")
		}
	case qbittorrent.EventReset:
		l.mu.Lock()
		l.seen = false
		l.mu.Unlock()
		l.logger.Debug().Msg("Sync state reset")
	}
}
