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
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

var streamingRecognizeDesc = &grpc.StreamDesc{
	StreamName:    "StreamingRecognize",
	ServerStreams: true,
	ClientStreams: true,
}

// recognitionStream is one bidirectional StreamingRecognize call
type recognitionStream struct {
	stream  grpc.ClientStream
	ctx     context.Context
	cancel  context.CancelFunc
	results chan speech.StreamResult
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// OpenStream implements speech.Recognizer. ctx bounds only the opening of the
// call; the stream itself lives until Finish or Close.
func (c *Client) OpenStream(ctx context.Context, cfg speech.RecognitionConfig) (speech.RecognitionStream, error) {
	cfg = cfg.WithDefaults()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	cs, err := c.conn.NewStream(streamCtx, streamingRecognizeDesc, methodStreamingRecognize, grpc.ForceCodec(wireCodec{}))
	if err != nil {
		cancel()
		return nil, wrapError("open stream", err)
	}

	first := &streamingRecognizeRequest{
		StreamingConfig: &streamingRecognitionConfig{
			Config:         toWireConfig(cfg),
			InterimResults: cfg.InterimResults,
		},
	}
	if err := cs.SendMsg(first); err != nil {
		cancel()
		return nil, wrapError("send stream config", err)
	}

	if !stop() && ctx.Err() != nil {
		cancel()
		return nil, wrapError("open stream", ctx.Err())
	}

	s := &recognitionStream{
		stream:  cs,
		ctx:     streamCtx,
		cancel:  cancel,
		results: make(chan speech.StreamResult, 16),
		done:    make(chan struct{}),
	}
	go s.receive()

	logging.LogRivaCall("stream_open",
		zap.Int("sample_rate", cfg.SampleRate),
		zap.String("language", cfg.Language),
		zap.String("model", cfg.Model),
		zap.Bool("interim_results", cfg.InterimResults),
	)

	return s, nil
}

// receive pumps backend responses into the results channel until the stream ends
func (s *recognitionStream) receive() {
	defer close(s.done)
	defer close(s.results)

	for {
		resp := &streamingRecognizeResponse{}
		if err := s.stream.RecvMsg(resp); err != nil {
			if !errors.Is(err, io.EOF) {
				s.setErr(wrapError("streaming recognize", err))
			}
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			result := speech.StreamResult{
				Transcript: strings.TrimSpace(r.Alternatives[0].Transcript),
				IsFinal:    r.IsFinal,
				Stability:  r.Stability,
			}
			select {
			case s.results <- result:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *recognitionStream) Send(ctx context.Context, audio []byte) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.stream.SendMsg(&streamingRecognizeRequest{AudioContent: audio})
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		if errors.Is(err, io.EOF) {
			// The real status is only visible on the receive side
			if recvErr := s.Err(); recvErr != nil {
				return recvErr
			}
			return fmt.Errorf("riva stream closed by server: %w", speech.ErrBackendUnavailable)
		}
		return wrapError("send audio", err)
	case <-ctx.Done():
		s.cancel()
		return wrapError("send audio", ctx.Err())
	}
}

func (s *recognitionStream) Results() <-chan speech.StreamResult {
	return s.results
}

func (s *recognitionStream) Finish(ctx context.Context) error {
	if err := s.stream.CloseSend(); err != nil {
		s.cancel()
		return wrapError("close send", err)
	}

	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		s.cancel()
		return wrapError("finish stream", ctx.Err())
	}
}

func (s *recognitionStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *recognitionStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *recognitionStream) Close() error {
	s.cancel()
	return nil
}
