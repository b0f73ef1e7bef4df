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

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/api"
	"github.com/loqalabs/loqa-speech-relay/internal/catalog"
	"github.com/loqalabs/loqa-speech-relay/internal/config"
	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/security"
	"github.com/loqalabs/loqa-speech-relay/internal/session"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

// Pinger reports whether the speech backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventBus reports the state of the event publication connection
type EventBus interface {
	IsConnected() bool
	GetStats() nats.Statistics
}

// HistoryDB reports the state of the transcript history database
type HistoryDB interface {
	Ping() error
	GetPath() string
}

// Dependencies are the collaborators the HTTP handlers relay to
type Dependencies struct {
	Recognizer  speech.Recognizer
	Synthesizer speech.Synthesizer
	Sessions    *session.Manager
	Catalog     *catalog.Catalog
	Sink        events.Sink         // Optional
	Backend     Pinger              // Optional, used by /health
	History     api.TranscriptStore // Optional, served under /api/transcripts
	Events      EventBus            // Optional, used by /health
	Database    HistoryDB           // Optional, used by /health
}

// Server is the browser-facing HTTP relay
type Server struct {
	cfg    *config.Config
	router chi.Router
	server *http.Server

	recognizer  speech.Recognizer
	synthesizer speech.Synthesizer
	sessions    *session.Manager
	catalog     *catalog.Catalog
	sink        events.Sink
	backend     Pinger
	history     api.TranscriptStore
	events      EventBus
	database    HistoryDB

	upgrader websocket.Upgrader
}

// New creates a server and registers its routes
func New(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		recognizer:  deps.Recognizer,
		synthesizer: deps.Synthesizer,
		sessions:    deps.Sessions,
		catalog:     deps.Catalog,
		sink:        deps.Sink,
		backend:     deps.Backend,
		history:     deps.History,
		events:      deps.Events,
		database:    deps.Database,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	s.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.routes()

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTPS when both certificate files exist and plain HTTP
// otherwise. It blocks until the server is stopped.
func (s *Server) Start() error {
	var err error
	if s.cfg.Server.TLSEnabled() {
		logging.Sugar.Infow("🚀 Speech relay starting",
			"addr", s.server.Addr,
			"scheme", "https",
			"cert_file", s.cfg.Server.TLSCertFile)
		err = s.server.ListenAndServeTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	} else {
		if s.cfg.Server.TLSCertFile != "" {
			logging.LogWarn("Certificate files not found, serving plain HTTP",
				zap.String("cert_file", s.cfg.Server.TLSCertFile),
				zap.String("key_file", s.cfg.Server.TLSKeyFile))
		}
		logging.Sugar.Infow("🚀 Speech relay starting",
			"addr", s.server.Addr,
			"scheme", "http")
		logging.LogWarn("Browsers only allow microphone capture over HTTP on localhost")
		err = s.server.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server. Open streaming sessions are
// owned by the session manager and closed separately.
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down speech relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logging.Sugar.Infow("✅ Speech relay shut down successfully")
	return nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/get_models", s.handleGetModels)

	// One-shot recognition
	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/asr", s.handleTranscribe)

	// Streaming recognition over repeated requests
	r.Post("/stream_start", s.handleStreamStart)
	r.Post("/stream_audio/{session_id}", s.handleStreamAudio)
	r.Post("/stream_stop/{session_id}", s.handleStreamStop)
	r.Get("/stream_status/{session_id}", s.handleStreamStatus)
	r.Get("/ws/stream", s.handleStreamSocket)

	// Synthesis
	r.Post("/tts", s.handleSynthesize)
	r.Post("/tts/synthesize", s.handleSynthesize)
	r.Post("/tts-stream", s.handleSynthesizeStream)
	r.Get("/tts/audio/{filename}", s.handleSynthesizedAudio)

	if s.history != nil {
		r.Mount("/api/transcripts", api.NewTranscriptsHandler(s.history).Routes())
	}

	s.staticRoutes()

	logging.Sugar.Infow("🌐 HTTP routes configured",
		"asr_endpoints", "/transcribe, /asr, /stream_start, /stream_audio, /stream_stop, /ws/stream",
		"tts_endpoints", "/tts, /tts/synthesize, /tts-stream, /tts/audio",
		"static_dir", s.cfg.Server.StaticDir)
}

// staticRoutes serves the web client when its directory exists
func (s *Server) staticRoutes() {
	dir := s.cfg.Server.StaticDir
	if dir == "" {
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		logging.Sugar.Debugw("Static directory not found, web client disabled", "static_dir", dir)
		return
	}

	s.router.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	})
}

// requestLogger logs one line per request at debug level
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		logging.Logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", security.SanitizeLogInput(r.URL.Path)),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// handleHealth reports relay, backend and optional event and history state
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now(),
		"active_sessions": s.sessions.Len(),
	}

	if s.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.backend.Ping(ctx); err != nil {
			health["status"] = "degraded"
			health["backend"] = "unavailable"
			health["backend_error"] = err.Error()
		} else {
			health["backend"] = "ok"
		}
	}

	if s.events != nil {
		stats := s.events.GetStats()
		bus := map[string]interface{}{
			"connected":  s.events.IsConnected(),
			"published":  stats.OutMsgs,
			"reconnects": stats.Reconnects,
		}
		if !s.events.IsConnected() {
			health["status"] = "degraded"
		}
		health["nats"] = bus
	}

	if s.database != nil {
		db := map[string]interface{}{
			"status": "ok",
			"path":   s.database.GetPath(),
		}
		if err := s.database.Ping(); err != nil {
			health["status"] = "degraded"
			db["status"] = "unavailable"
			db["error"] = err.Error()
		}
		health["storage"] = db
	}

	if s.catalog != nil {
		health["models_source"] = s.catalog.Source()
	}

	writeJSON(w, http.StatusOK, health)
}

// handleGetModels lists the ASR and TTS models the relay can use
func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Capabilities(r.Context()))
}

// recordTranscript hands a finished request to the event sink. Delivery
// failures are logged and never fail the request.
func (s *Server) recordTranscript(ctx context.Context, event *events.TranscriptEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.RecordTranscript(context.WithoutCancel(ctx), event); err != nil {
		logging.LogError(err, "Failed to record transcript event", zap.String("event_uuid", event.UUID))
	}
}

func (s *Server) recordSynthesis(ctx context.Context, event *events.SynthesisEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.RecordSynthesis(context.WithoutCancel(ctx), event); err != nil {
		logging.LogError(err, "Failed to record synthesis event", zap.String("event_uuid", event.UUID))
	}
}
