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

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/config"
	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/logging"
)

// ErrNotConnected is returned when publishing before Connect succeeded
var ErrNotConnected = errors.New("NATS connection not established")

// Subject suffixes appended to the configured prefix
const (
	SubjectTranscriptsFinal   = "transcripts.final"
	SubjectTranscriptsEvicted = "transcripts.evicted"
	SubjectSynthesisCompleted = "tts.completed"
	SubjectSystemEvents       = "system.events"
)

// SystemEvent announces relay lifecycle changes to other services
type SystemEvent struct {
	Type      string `json:"type"` // "relay_started", "relay_stopping"
	Address   string `json:"address,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// publisher is the subset of *nats.Conn used for publishing
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSService publishes relay events. It implements events.Sink.
type NATSService struct {
	cfg  config.NATSConfig
	conn *nats.Conn
	pub  publisher
}

// NewNATSService creates a new NATS service instance
func NewNATSService(cfg config.NATSConfig) *NATSService {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "speech"
	}
	return &NATSService{cfg: cfg}
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.cfg.URL, "connecting")

	// Connection options with retry logic
	opts := []nats.Option{
		nats.Name("loqa-speech-relay"),
		nats.ReconnectWait(ns.cfg.ReconnectWait),
		nats.MaxReconnects(ns.cfg.MaxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.cfg.URL, "closed")
		}),
	}

	conn, err := nats.Connect(ns.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	ns.pub = conn
	logging.LogNATSEvent(conn.ConnectedUrl(), "connected")
	return nil
}

// Subject returns the full subject for a suffix
func (ns *NATSService) Subject(suffix string) string {
	return ns.cfg.SubjectPrefix + "." + suffix
}

func (ns *NATSService) publish(subject string, v any) error {
	if ns.pub == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", subject, err)
	}

	if err := ns.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// RecordTranscript publishes a finished transcript. Evicted sessions go to
// their own subject so consumers can tell abandoned sessions apart.
func (ns *NATSService) RecordTranscript(_ context.Context, event *events.TranscriptEvent) error {
	subject := ns.Subject(SubjectTranscriptsFinal)
	if event.Evicted {
		subject = ns.Subject(SubjectTranscriptsEvicted)
	}

	if err := ns.publish(subject, event); err != nil {
		return err
	}

	logging.LogNATSEvent(subject, "published",
		zap.String("event_uuid", event.UUID),
		zap.String("session_id", event.SessionID),
	)
	return nil
}

// RecordSynthesis publishes a finished synthesis request
func (ns *NATSService) RecordSynthesis(_ context.Context, event *events.SynthesisEvent) error {
	subject := ns.Subject(SubjectSynthesisCompleted)
	if err := ns.publish(subject, event); err != nil {
		return err
	}

	logging.LogNATSEvent(subject, "published", zap.String("event_uuid", event.UUID))
	return nil
}

// PublishSystemEvent publishes a relay lifecycle event
func (ns *NATSService) PublishSystemEvent(event *SystemEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	subject := ns.Subject(SubjectSystemEvents)
	if err := ns.publish(subject, event); err != nil {
		return err
	}

	logging.LogNATSEvent(subject, "published", zap.String("type", event.Type))
	return nil
}

// Close drains and closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		if err := ns.conn.Drain(); err != nil {
			ns.conn.Close()
		}
		ns.conn = nil
		ns.pub = nil
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
