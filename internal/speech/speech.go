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

// Package speech defines the backend-neutral contract between the relay and
// the external recognition/synthesis engine.
package speech

import (
	"context"
)

// AudioEncoding identifies the sample format of an audio payload
type AudioEncoding int32

const (
	EncodingUnspecified AudioEncoding = 0
	EncodingLinearPCM   AudioEncoding = 1
	EncodingFLAC        AudioEncoding = 2
	EncodingMulaw       AudioEncoding = 3
	EncodingOggOpus     AudioEncoding = 4
	EncodingAlaw        AudioEncoding = 20
)

// String returns the encoding name used in logs and JSON
func (e AudioEncoding) String() string {
	switch e {
	case EncodingLinearPCM:
		return "LINEAR_PCM"
	case EncodingFLAC:
		return "FLAC"
	case EncodingMulaw:
		return "MULAW"
	case EncodingOggOpus:
		return "OGGOPUS"
	case EncodingAlaw:
		return "ALAW"
	default:
		return "ENCODING_UNSPECIFIED"
	}
}

// DefaultSampleRate is the microphone capture rate the web client uses
const DefaultSampleRate = 16000

// RecognitionConfig selects how the backend should decode an utterance.
// A streaming session's config is fixed when the session starts.
type RecognitionConfig struct {
	SampleRate      int
	Encoding        AudioEncoding
	Language        string
	Model           string
	MaxAlternatives int
	Punctuation     bool
	InterimResults  bool
}

// WithDefaults fills zero fields with the conventional microphone settings
func (c RecognitionConfig) WithDefaults() RecognitionConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Encoding == EncodingUnspecified {
		c.Encoding = EncodingLinearPCM
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = 1
	}
	return c
}

// Hypothesis is one candidate transcript for a finalized utterance
type Hypothesis struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// StreamResult is one result message produced by a streaming recognition call
type StreamResult struct {
	Transcript string
	IsFinal    bool
	Stability  float32
}

// SynthesisRequest describes a text-to-speech call
type SynthesisRequest struct {
	Text       string
	Voice      string
	Language   string
	SampleRate int
	Encoding   AudioEncoding
}

// Capabilities lists the models and languages the backend can serve
type Capabilities struct {
	ASRModels          map[string][]string `json:"asr_models"`
	TTSModels          map[string][]string `json:"tts_models"`
	DefaultASRModel    string              `json:"default_asr_model"`
	DefaultASRLanguage string              `json:"default_asr_language"`
	DefaultTTSModel    string              `json:"default_tts_model"`
	DefaultTTSLanguage string              `json:"default_tts_language"`
}

// RecognitionStream is an open streaming recognition call.
// Send must not be called concurrently; Results may be consumed from another goroutine.
type RecognitionStream interface {
	// Send forwards one chunk of audio, in call order
	Send(ctx context.Context, audio []byte) error

	// Results yields backend results and is closed when the backend stream ends
	Results() <-chan StreamResult

	// Finish signals end of audio and waits for the backend to close the stream
	Finish(ctx context.Context) error

	// Err reports the error that terminated the receive side, if any
	Err() error

	// Close aborts the call and releases its resources
	Close() error
}

// Recognizer converts audio to text
type Recognizer interface {
	// Recognize transcribes a complete audio buffer in one call
	Recognize(ctx context.Context, audio []byte, cfg RecognitionConfig) ([]Hypothesis, error)

	// OpenStream starts a streaming recognition call with a fixed config
	OpenStream(ctx context.Context, cfg RecognitionConfig) (RecognitionStream, error)
}

// AudioStream is a lazy, finite, non-restartable sequence of audio chunks.
// Next returns io.EOF once the sequence is exhausted.
type AudioStream interface {
	Next() ([]byte, error)
	Close() error
}

// Synthesizer converts text to audio
type Synthesizer interface {
	// Synthesize returns a complete audio buffer
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)

	// SynthesizeStream returns audio in chunks as the backend produces them
	SynthesizeStream(ctx context.Context, req SynthesisRequest) (AudioStream, error)
}

// CapabilityLister reports backend model and language support
type CapabilityLister interface {
	ListCapabilities(ctx context.Context) (*Capabilities, error)
}
