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

package riva

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

// DefaultSynthesisSampleRate is the rate Riva's FastPitch/HiFi-GAN voices emit
const DefaultSynthesisSampleRate = 22050

var synthesizeOnlineDesc = &grpc.StreamDesc{
	StreamName:    "SynthesizeOnline",
	ServerStreams: true,
}

func toSynthesisRequest(req speech.SynthesisRequest) (*synthesizeSpeechRequest, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty: %w", speech.ErrInvalidInput)
	}
	if req.SampleRate <= 0 {
		req.SampleRate = DefaultSynthesisSampleRate
	}
	if req.Encoding == speech.EncodingUnspecified {
		req.Encoding = speech.EncodingLinearPCM
	}
	if req.Language == "" {
		req.Language = "en-US"
	}
	return &synthesizeSpeechRequest{
		Text:         text,
		LanguageCode: req.Language,
		Encoding:     int32(req.Encoding),
		SampleRateHz: int32(req.SampleRate), //nolint:gosec // G115: validated by config
		VoiceName:    req.Voice,
	}, nil
}

// Synthesize implements speech.Synthesizer. The returned audio is raw samples
// in the requested encoding, without a container header.
func (c *Client) Synthesize(ctx context.Context, req speech.SynthesisRequest) ([]byte, error) {
	wireReq, err := toSynthesisRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logging.LogTTSOperation("synthesis_start",
		zap.String("voice", wireReq.VoiceName),
		zap.String("language", wireReq.LanguageCode),
		zap.Int("text_length", len(wireReq.Text)),
	)

	startTime := time.Now()
	resp := &synthesizeSpeechResponse{}
	if err := c.conn.Invoke(ctx, methodSynthesize, wireReq, resp, grpc.ForceCodec(wireCodec{})); err != nil {
		logging.LogError(err, "Riva synthesis failed",
			zap.String("voice", wireReq.VoiceName),
			zap.Int("text_length", len(wireReq.Text)),
		)
		return nil, wrapError("synthesize", err)
	}

	logging.LogTTSOperation("synthesis_complete",
		zap.String("voice", wireReq.VoiceName),
		zap.Int("audio_bytes", len(resp.Audio)),
		zap.Duration("processing_time", time.Since(startTime)),
	)

	return resp.Audio, nil
}

// synthesisStream reads SynthesizeOnline responses one chunk at a time
type synthesisStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	chunks int
}

// SynthesizeStream implements speech.Synthesizer using SynthesizeOnline. The
// caller's ctx bounds the whole stream.
func (c *Client) SynthesizeStream(ctx context.Context, req speech.SynthesisRequest) (speech.AudioStream, error) {
	wireReq, err := toSynthesisRequest(req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(streamCtx, synthesizeOnlineDesc, methodSynthesizeOnline, grpc.ForceCodec(wireCodec{}))
	if err != nil {
		cancel()
		return nil, wrapError("open synthesis stream", err)
	}
	if err := cs.SendMsg(wireReq); err != nil {
		cancel()
		return nil, wrapError("send synthesis request", err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, wrapError("close synthesis request", err)
	}

	logging.LogTTSOperation("synthesis_stream_start",
		zap.String("voice", wireReq.VoiceName),
		zap.Int("text_length", len(wireReq.Text)),
	)

	return &synthesisStream{stream: cs, cancel: cancel}, nil
}

func (s *synthesisStream) Next() ([]byte, error) {
	resp := &synthesizeSpeechResponse{}
	if err := s.stream.RecvMsg(resp); err != nil {
		if errors.Is(err, io.EOF) {
			logging.LogTTSOperation("synthesis_stream_complete", zap.Int("chunks", s.chunks))
			return nil, io.EOF
		}
		return nil, wrapError("synthesis stream", err)
	}
	s.chunks++
	return resp.Audio, nil
}

func (s *synthesisStream) Close() error {
	s.cancel()
	return nil
}
