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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

const (
	socketWriteWait = 10 * time.Second
	socketIdleWait  = 2 * time.Minute
)

// socketControl is a text frame sent by the client after the opening config
type socketControl struct {
	Type string `json:"type"` // "stop" or "poll"
}

// socketMessage is every frame the relay sends back
type socketMessage struct {
	Type               string `json:"type"` // "started", "partial", "final" or "error"
	SessionID          string `json:"session_id,omitempty"`
	Model              string `json:"model,omitempty"`
	Language           string `json:"language,omitempty"`
	Transcription      string `json:"transcription,omitempty"`
	IsFinal            bool   `json:"is_final,omitempty"`
	FinalTranscription string `json:"final_transcription,omitempty"`
	Error              string `json:"error,omitempty"`
}

// handleStreamSocket runs one streaming session over a websocket. The first
// text frame carries the session config, binary frames are audio chunks and
// {"type":"stop"} ends the session. A dropped connection stops the session.
func (s *Server) handleStreamSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogWarn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.Server.MaxUploadBytes)
	ctx := r.Context()

	send := func(msg socketMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		return conn.WriteJSON(msg)
	}
	sendError := func(err error) error {
		return send(socketMessage{Type: "error", Error: err.Error()})
	}

	_ = conn.SetReadDeadline(time.Now().Add(socketIdleWait))
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		return
	}

	var req streamStartRequest
	if msgType != websocket.TextMessage || (len(payload) > 0 && json.Unmarshal(payload, &req) != nil) {
		_ = sendError(fmt.Errorf("first frame must be a JSON session config: %w", speech.ErrInvalidInput))
		return
	}

	info, err := s.startSession(ctx, req)
	if err != nil {
		_ = sendError(err)
		return
	}

	stopped := false
	defer func() {
		if !stopped {
			if _, err := s.sessions.Stop(context.WithoutCancel(ctx), info.ID); err == nil {
				logging.LogSessionEvent(info.ID, "socket_closed")
			}
		}
	}()

	if err := send(socketMessage{
		Type:      "started",
		SessionID: info.ID,
		Model:     info.Model,
		Language:  info.Language,
	}); err != nil {
		return
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(socketIdleWait))
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var chunk []byte
		switch msgType {
		case websocket.BinaryMessage:
			chunk = payload
		case websocket.TextMessage:
			var ctrl socketControl
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				if sendErr := sendError(fmt.Errorf("invalid control frame: %w", speech.ErrInvalidInput)); sendErr != nil {
					return
				}
				continue
			}
			if ctrl.Type == "stop" {
				stopped = true
				final, err := s.sessions.Stop(ctx, info.ID)
				if err != nil {
					_ = sendError(err)
					return
				}
				_ = send(socketMessage{
					Type:               "final",
					SessionID:          info.ID,
					Model:              s.modelLabel(ctx, final.Model),
					Language:           final.Language,
					FinalTranscription: final.Transcription,
				})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
					time.Now().Add(socketWriteWait))
				return
			}
			// Anything else polls without sending audio
		default:
			continue
		}

		partial, err := s.sessions.Append(ctx, info.ID, chunk, 0)
		if err != nil {
			if sendErr := sendError(err); sendErr != nil || errors.Is(err, speech.ErrUnknownSession) {
				// Evicted or already stopped
				stopped = errors.Is(err, speech.ErrUnknownSession)
				return
			}
			continue
		}

		if err := send(socketMessage{
			Type:          "partial",
			SessionID:     info.ID,
			Transcription: partial.Transcription,
			IsFinal:       partial.IsFinal,
		}); err != nil {
			return
		}
	}
}
