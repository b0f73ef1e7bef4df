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

// Package riva is a gRPC client for the NVIDIA Riva speech services.
package riva

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

const (
	asrService = "/nvidia.riva.asr.RivaSpeechRecognition/"
	ttsService = "/nvidia.riva.tts.RivaSpeechSynthesis/"

	methodRecognize          = asrService + "Recognize"
	methodStreamingRecognize = asrService + "StreamingRecognize"
	methodASRConfig          = asrService + "GetRivaSpeechRecognitionConfig"
	methodSynthesize         = ttsService + "Synthesize"
	methodSynthesizeOnline   = ttsService + "SynthesizeOnline"
	methodTTSConfig          = ttsService + "GetRivaSynthesisConfig"
)

// Config holds the connection settings for the Riva server
type Config struct {
	Address    string        // host:port of the Riva server
	UseTLS     bool          // Dial with TLS instead of plaintext
	CACertFile string        // Optional CA bundle for TLS
	Timeout    time.Duration // Bound on every unary call
}

// Client implements speech.Recognizer, speech.Synthesizer and
// speech.CapabilityLister on top of one gRPC connection
type Client struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
}

// NewClient creates a client for the Riva server at cfg.Address. The
// connection is established lazily; an unreachable server surfaces as
// speech.ErrBackendUnavailable on the first call.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:50051" // Default Riva address
	}

	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create Riva client for %s: %w", cfg.Address, err)
	}

	logging.Sugar.Infow("Riva gRPC client created",
		"address", cfg.Address,
		"tls", cfg.UseTLS,
		"timeout", cfg.Timeout,
	)

	return NewClientWithConn(conn, cfg.Timeout), nil
}

// NewClientWithConn wraps an existing connection
func NewClientWithConn(conn *grpc.ClientConn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		conn:    conn,
		addr:    conn.Target(),
		timeout: timeout,
	}
}

func transportCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if !cfg.UseTLS {
		return insecure.NewCredentials(), nil
	}
	if cfg.CACertFile != "" {
		creds, err := credentials.NewClientTLSFromFile(cfg.CACertFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load Riva CA certificate: %w", err)
		}
		return creds, nil
	}
	return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
}

// Recognize implements speech.Recognizer using the offline Recognize call
func (c *Client) Recognize(ctx context.Context, audio []byte, cfg speech.RecognitionConfig) ([]speech.Hypothesis, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio data: %w", speech.ErrInvalidInput)
	}

	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	req := &recognizeRequest{Config: toWireConfig(cfg), Audio: audio}
	resp := &recognizeResponse{}

	if err := c.conn.Invoke(ctx, methodRecognize, req, resp, grpc.ForceCodec(wireCodec{})); err != nil {
		return nil, wrapError("recognize", err)
	}

	var hypotheses []speech.Hypothesis
	for _, result := range resp.Results {
		for _, alt := range result.Alternatives {
			hypotheses = append(hypotheses, speech.Hypothesis{
				Text:       strings.TrimSpace(alt.Transcript),
				Confidence: alt.Confidence,
			})
		}
	}

	logging.LogRivaCall("recognize",
		zap.Int("audio_bytes", len(audio)),
		zap.Int("sample_rate", cfg.SampleRate),
		zap.String("language", cfg.Language),
		zap.Int("hypotheses", len(hypotheses)),
		zap.Duration("processing_time", time.Since(startTime)),
	)

	return hypotheses, nil
}

// ListCapabilities implements speech.CapabilityLister by querying the
// recognition and synthesis model configs
func (c *Client) ListCapabilities(ctx context.Context) (*speech.Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	asrResp := &modelConfigResponse{}
	if err := c.conn.Invoke(ctx, methodASRConfig, &modelConfigRequest{}, asrResp, grpc.ForceCodec(wireCodec{})); err != nil {
		return nil, wrapError("get recognition config", err)
	}

	caps := &speech.Capabilities{
		ASRModels: modelLanguages(asrResp, "model_name"),
		TTSModels: map[string][]string{},
	}

	ttsResp := &modelConfigResponse{}
	if err := c.conn.Invoke(ctx, methodTTSConfig, &modelConfigRequest{}, ttsResp, grpc.ForceCodec(wireCodec{})); err != nil {
		// Older Riva releases have no synthesis config call
		logging.LogWarn("Riva synthesis config unavailable", zap.Error(err))
	} else {
		caps.TTSModels = modelLanguages(ttsResp, "voice_name")
	}

	caps.DefaultASRModel, caps.DefaultASRLanguage = firstModel(caps.ASRModels)
	caps.DefaultTTSModel, caps.DefaultTTSLanguage = firstModel(caps.TTSModels)

	logging.LogRivaCall("list_capabilities",
		zap.Int("asr_models", len(caps.ASRModels)),
		zap.Int("tts_models", len(caps.TTSModels)),
	)

	return caps, nil
}

// modelLanguages groups the model configs by nameKey (falling back to the
// model name) and collects each one's language_code parameter
func modelLanguages(resp *modelConfigResponse, nameKey string) map[string][]string {
	models := make(map[string][]string)
	for _, mc := range resp.ModelConfig {
		name := mc.Parameters[nameKey]
		if name == "" {
			name = mc.ModelName
		}
		if name == "" {
			continue
		}
		langs := models[name]
		for _, lang := range strings.Split(mc.Parameters["language_code"], ",") {
			lang = strings.TrimSpace(lang)
			if lang != "" && !contains(langs, lang) {
				langs = append(langs, lang)
			}
		}
		models[name] = langs
	}
	return models
}

func firstModel(models map[string][]string) (string, string) {
	if len(models) == 0 {
		return "", ""
	}
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	lang := ""
	if langs := models[names[0]]; len(langs) > 0 {
		lang = langs[0]
	}
	return names[0], lang
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Ping checks that the server answers a cheap call within the client timeout
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.conn.Invoke(ctx, methodASRConfig, &modelConfigRequest{}, &modelConfigResponse{}, grpc.ForceCodec(wireCodec{})); err != nil {
		return wrapError("ping", err)
	}
	return nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	if c.conn != nil {
		logging.Sugar.Infow("Closing Riva gRPC connection", "address", c.addr)
		return c.conn.Close()
	}
	return nil
}

func toWireConfig(cfg speech.RecognitionConfig) *recognitionConfig {
	return &recognitionConfig{
		Encoding:             int32(cfg.Encoding),
		SampleRateHertz:      int32(cfg.SampleRate), //nolint:gosec // G115: sample rates are validated by config
		LanguageCode:         cfg.Language,
		MaxAlternatives:      int32(cfg.MaxAlternatives), //nolint:gosec // G115: small positive value
		AudioChannelCount:    1,
		AutomaticPunctuation: cfg.Punctuation,
		Model:                cfg.Model,
	}
}

// wrapError converts a gRPC failure into one of the speech error kinds
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	// gRPC reports its own deadline as a status, not as the context error
	switch {
	case errors.Is(err, context.DeadlineExceeded), status.Code(err) == codes.DeadlineExceeded:
		return fmt.Errorf("riva %s: %w: %w", op, speech.ErrBackendUnavailable, context.DeadlineExceeded)
	case errors.Is(err, context.Canceled), status.Code(err) == codes.Canceled:
		return fmt.Errorf("riva %s: %w: %w", op, speech.ErrBackendUnavailable, context.Canceled)
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.InvalidArgument {
		return fmt.Errorf("riva %s: %s: %w", op, st.Message(), speech.ErrInvalidInput)
	}
	return fmt.Errorf("riva %s: %w: %w", op, err, speech.ErrBackendUnavailable)
}
