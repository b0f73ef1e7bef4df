/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/api"
	"github.com/loqalabs/loqa-speech-relay/internal/catalog"
	"github.com/loqalabs/loqa-speech-relay/internal/config"
	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/messaging"
	"github.com/loqalabs/loqa-speech-relay/internal/riva"
	"github.com/loqalabs/loqa-speech-relay/internal/server"
	"github.com/loqalabs/loqa-speech-relay/internal/session"
	"github.com/loqalabs/loqa-speech-relay/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(getEnv("RELAY_ENV_FILE", ".env")); err != nil {
		log.Printf("Warning: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	if err := run(cfg); err != nil {
		logging.LogError(err, "Speech relay failed")
		logging.Close()
		os.Exit(1)
	}
	logging.Close()
}

func run(cfg *config.Config) error {
	rivaClient, err := riva.NewClient(riva.Config{
		Address:    cfg.Riva.Address,
		UseTLS:     cfg.Riva.UseTLS,
		CACertFile: cfg.Riva.CACertFile,
		Timeout:    cfg.Riva.Timeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rivaClient.Close() }()

	// History and event publication are both optional; the relay works without them
	var (
		sinks    events.MultiSink
		history  *storage.HistoryStore
		database server.HistoryDB
		eventBus server.EventBus
	)

	if cfg.Storage.Enabled {
		db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Storage.DBPath})
		if err != nil {
			logging.LogWarn("Transcript history disabled", zap.Error(err))
		} else {
			defer func() {
				// Fold the WAL back so the history file is complete on its own
				if err := db.Checkpoint(); err != nil {
					logging.LogWarn("Database checkpoint failed", zap.Error(err))
				}
				_ = db.Close()
			}()
			database = db
			history = storage.NewHistoryStore(db)
			sinks = append(sinks, history)
		}
	}

	var natsService *messaging.NATSService
	if cfg.NATS.Enabled {
		natsService = messaging.NewNATSService(cfg.NATS)
		if err := natsService.Connect(); err != nil {
			logging.LogWarn("NATS publication disabled", zap.Error(err))
			natsService = nil
		} else {
			defer natsService.Close()
			eventBus = natsService
			sinks = append(sinks, natsService)
		}
	}

	var sink events.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	models := catalog.New(rivaClient, catalog.Config{
		ModelsFile:         cfg.ASR.ModelsFile,
		RivaConfigFile:     cfg.ASR.RivaConfigFile,
		TTL:                cfg.ASR.CatalogTTL,
		DefaultASRModel:    cfg.ASR.DefaultModel,
		DefaultASRLanguage: cfg.ASR.DefaultLanguage,
		DefaultTTSModel:    cfg.TTS.Voice,
		DefaultTTSLanguage: cfg.TTS.Language,
	})

	sessions := session.NewManager(rivaClient, session.Options{
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		MaxSessions:   cfg.Session.MaxSessions,
		CallTimeout:   cfg.Session.StopTimeout,
		ResultWait:    cfg.Session.ResultWait,
	}, sink)

	srv := server.New(cfg, server.Dependencies{
		Recognizer:  rivaClient,
		Synthesizer: rivaClient,
		Sessions:    sessions,
		Catalog:     models,
		Sink:        sink,
		Backend:     rivaClient,
		History:     historyStore(history),
		Events:      eventBus,
		Database:    database,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	publishSystemEvent(natsService, "relay_started", cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		logging.Sugar.Infow("Received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
	}

	publishSystemEvent(natsService, "relay_stopping", cfg)

	if err := srv.Stop(); err != nil {
		logging.LogError(err, "HTTP server shutdown failed")
	}
	if err := sessions.Close(); err != nil {
		logging.LogError(err, "Failed to close streaming sessions")
	}

	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// historyStore avoids handing the server a typed nil
func historyStore(store *storage.HistoryStore) api.TranscriptStore {
	if store == nil {
		return nil
	}
	return store
}

func publishSystemEvent(ns *messaging.NATSService, eventType string, cfg *config.Config) {
	if ns == nil {
		return
	}
	err := ns.PublishSystemEvent(&messaging.SystemEvent{
		Type:    eventType,
		Address: cfg.Server.Addr(),
		Backend: cfg.Riva.Address,
	})
	if err != nil {
		logging.LogWarn("Failed to publish system event", zap.String("type", eventType), zap.Error(err))
	}
}

func getEnv(key string, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
