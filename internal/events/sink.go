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

package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/logging"
)

// Sink receives finished transcript and synthesis events
type Sink interface {
	RecordTranscript(ctx context.Context, event *TranscriptEvent) error
	RecordSynthesis(ctx context.Context, event *SynthesisEvent) error
}

// MultiSink fans each event out to every sink. A failing sink is logged and
// does not stop delivery to the others.
type MultiSink []Sink

func (m MultiSink) RecordTranscript(ctx context.Context, event *TranscriptEvent) error {
	for _, s := range m {
		if err := s.RecordTranscript(ctx, event); err != nil {
			logging.LogError(err, "Failed to record transcript event",
				zap.String("event_uuid", event.UUID),
				zap.String("session_id", event.SessionID),
			)
		}
	}
	return nil
}

func (m MultiSink) RecordSynthesis(ctx context.Context, event *SynthesisEvent) error {
	for _, s := range m {
		if err := s.RecordSynthesis(ctx, event); err != nil {
			logging.LogError(err, "Failed to record synthesis event",
				zap.String("event_uuid", event.UUID),
			)
		}
	}
	return nil
}
