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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/logging"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// ErrInvalidQuery is returned for unsupported sort fields or orders
var ErrInvalidQuery = errors.New("invalid query")

// HistoryStore persists transcript and synthesis events. It implements events.Sink.
type HistoryStore struct {
	db *Database
}

// NewHistoryStore creates a new history store
func NewHistoryStore(db *Database) *HistoryStore {
	return &HistoryStore{db: db}
}

const transcriptColumns = `uuid, session_id, source, timestamp,
	model, language, sample_rate,
	audio_bytes, audio_duration, chunks,
	transcription, confidence, evicted, processing_time_ms, success, error_message`

// RecordTranscript stores a finished transcript
func (s *HistoryStore) RecordTranscript(ctx context.Context, event *events.TranscriptEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid transcript event: %w", err)
	}

	query := `INSERT INTO transcripts (` + transcriptColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		event.UUID, event.SessionID, event.Source, event.Timestamp.UTC(),
		event.Model, event.Language, event.SampleRate,
		event.AudioBytes, event.AudioDuration, event.Chunks,
		event.Transcription, event.Confidence, event.Evicted, event.ProcessingTime, event.Success, event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}

	logging.LogDatabaseOperation("insert", "transcripts",
		zap.String("uuid", event.UUID),
		zap.String("source", event.Source),
	)
	return nil
}

// RecordSynthesis stores a finished synthesis request
func (s *HistoryStore) RecordSynthesis(ctx context.Context, event *events.SynthesisEvent) error {
	if event.UUID == "" {
		return fmt.Errorf("invalid synthesis event: UUID is required")
	}

	query := `INSERT INTO syntheses (
			uuid, timestamp, voice, language, text_length, sample_rate, streamed,
			audio_bytes, audio_file, processing_time_ms, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		event.UUID, event.Timestamp.UTC(), event.Voice, event.Language, event.TextLength, event.SampleRate, event.Streamed,
		event.AudioBytes, event.AudioFile, event.ProcessingTime, event.Success, event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert synthesis: %w", err)
	}

	logging.LogDatabaseOperation("insert", "syntheses", zap.String("uuid", event.UUID))
	return nil
}

// GetTranscript retrieves a transcript by its UUID
func (s *HistoryStore) GetTranscript(ctx context.Context, uuid string) (*events.TranscriptEvent, error) {
	query := `SELECT ` + transcriptColumns + ` FROM transcripts WHERE uuid = ?`

	event, err := scanTranscript(s.db.DB().QueryRowContext(ctx, query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transcript %s: %w", uuid, ErrNotFound)
	}
	return event, err
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	// Filtering
	SessionID string
	Source    string
	Success   *bool // nil = all, true = success only, false = errors only
	StartTime *time.Time
	EndTime   *time.Time

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortBy    string // "timestamp", "audio_duration", "processing_time"
	SortOrder string // "ASC", "DESC"
}

var sortColumns = map[string]string{
	"":                "timestamp",
	"timestamp":       "timestamp",
	"audio_duration":  "audio_duration",
	"processing_time": "processing_time_ms",
}

// ListTranscripts retrieves transcripts with pagination and filtering
func (s *HistoryStore) ListTranscripts(ctx context.Context, options ListOptions) ([]*events.TranscriptEvent, error) {
	query, args, err := buildListQuery(options)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	var list []*events.TranscriptEvent
	for rows.Next() {
		event, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		list = append(list, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transcripts: %w", err)
	}

	return list, nil
}

// CountTranscripts returns the number of transcripts matching the filter
func (s *HistoryStore) CountTranscripts(ctx context.Context, options ListOptions) (int64, error) {
	options.Limit = 0
	options.Offset = 0
	query, args, err := buildListQuery(options)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM ("+query+") AS filtered", args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count transcripts: %w", err)
	}
	return count, nil
}

// DeleteTranscript removes a transcript by UUID
func (s *HistoryStore) DeleteTranscript(ctx context.Context, uuid string) error {
	result, err := s.db.DB().ExecContext(ctx, "DELETE FROM transcripts WHERE uuid = ?", uuid)
	if err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transcript %s: %w", uuid, ErrNotFound)
	}

	logging.LogDatabaseOperation("delete", "transcripts", zap.String("uuid", uuid))
	return nil
}

// buildListQuery constructs the SQL query based on ListOptions
func buildListQuery(options ListOptions) (string, []interface{}, error) {
	query := `SELECT ` + transcriptColumns + ` FROM transcripts WHERE 1=1`
	var args []interface{}

	if options.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, options.SessionID)
	}

	if options.Source != "" {
		query += " AND source = ?"
		args = append(args, options.Source)
	}

	if options.Success != nil {
		query += " AND success = ?"
		args = append(args, *options.Success)
	}

	if options.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, options.StartTime.UTC())
	}

	if options.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, options.EndTime.UTC())
	}

	sortBy, ok := sortColumns[options.SortBy]
	if !ok {
		return "", nil, fmt.Errorf("unsupported sort field %q: %w", options.SortBy, ErrInvalidQuery)
	}

	sortOrder := "DESC"
	switch options.SortOrder {
	case "", "DESC", "desc":
	case "ASC", "asc":
		sortOrder = "ASC"
	default:
		return "", nil, fmt.Errorf("unsupported sort order %q: %w", options.SortOrder, ErrInvalidQuery)
	}

	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, sortOrder)

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	return query, args, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTranscript scans a database row into a TranscriptEvent struct
func scanTranscript(row rowScanner) (*events.TranscriptEvent, error) {
	var event events.TranscriptEvent
	err := row.Scan(
		&event.UUID, &event.SessionID, &event.Source, &event.Timestamp,
		&event.Model, &event.Language, &event.SampleRate,
		&event.AudioBytes, &event.AudioDuration, &event.Chunks,
		&event.Transcription, &event.Confidence, &event.Evicted, &event.ProcessingTime, &event.Success, &event.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}
