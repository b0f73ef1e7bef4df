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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

const bufSize = 1024 * 1024

// fakeRiva answers Riva RPCs from canned data and records what it received
type fakeRiva struct {
	mu sync.Mutex

	recognizeErr  error
	hypotheses    []string
	streamConfig  *streamingRecognitionConfig
	streamAudio   [][]byte
	finalText     string
	synthRequests []*synthesizeSpeechRequest
	ttsChunks     [][]byte
	asrModels     []*modelConfig
	ttsModels     []*modelConfig
	noTTSConfig   bool

	// hang makes every call block without reading or replying until the
	// client gives up
	hang bool
}

func (f *fakeRiva) handle(_ any, stream grpc.ServerStream) error {
	if f.hang {
		<-stream.Context().Done()
		return stream.Context().Err()
	}

	method, _ := grpc.MethodFromServerStream(stream)
	switch method {
	case methodRecognize:
		return f.recognize(stream)
	case methodStreamingRecognize:
		return f.streamingRecognize(stream)
	case methodSynthesize:
		return f.synthesize(stream)
	case methodSynthesizeOnline:
		return f.synthesizeOnline(stream)
	case methodASRConfig:
		return stream.SendMsg(&modelConfigResponse{ModelConfig: f.asrModels})
	case methodTTSConfig:
		if f.noTTSConfig {
			return status.Error(codes.Unimplemented, "unknown method")
		}
		return stream.SendMsg(&modelConfigResponse{ModelConfig: f.ttsModels})
	}
	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func (f *fakeRiva) recognize(stream grpc.ServerStream) error {
	req := &recognizeRequest{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	if f.recognizeErr != nil {
		return f.recognizeErr
	}
	result := &recognitionResult{}
	for i, text := range f.hypotheses {
		result.Alternatives = append(result.Alternatives, &recognitionAlternative{
			Transcript: fmt.Sprintf(" %s ", text),
			Confidence: 0.9 - float32(i)*0.1,
		})
	}
	return stream.SendMsg(&recognizeResponse{Results: []*recognitionResult{result}})
}

// streamingRecognize emits an interim result per audio chunk and one final
// result once the client half-closes
func (f *fakeRiva) streamingRecognize(stream grpc.ServerStream) error {
	first := &streamingRecognizeRequest{}
	if err := stream.RecvMsg(first); err != nil {
		return err
	}
	if first.StreamingConfig == nil {
		return status.Error(codes.InvalidArgument, "first message must carry the config")
	}
	f.mu.Lock()
	f.streamConfig = first.StreamingConfig
	f.mu.Unlock()

	for chunk := 1; ; chunk++ {
		req := &streamingRecognizeRequest{}
		err := stream.RecvMsg(req)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.streamAudio = append(f.streamAudio, req.AudioContent)
		f.mu.Unlock()

		interim := &recognitionResult{
			Alternatives: []*recognitionAlternative{{Transcript: fmt.Sprintf("partial %d", chunk)}},
			Stability:    0.5,
		}
		if err := stream.SendMsg(&streamingRecognizeResponse{Results: []*recognitionResult{interim}}); err != nil {
			return err
		}
	}

	final := &recognitionResult{
		Alternatives: []*recognitionAlternative{{Transcript: f.finalText, Confidence: 0.95}},
		IsFinal:      true,
	}
	return stream.SendMsg(&streamingRecognizeResponse{Results: []*recognitionResult{final}})
}

func (f *fakeRiva) synthesize(stream grpc.ServerStream) error {
	req := &synthesizeSpeechRequest{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	f.mu.Lock()
	f.synthRequests = append(f.synthRequests, req)
	f.mu.Unlock()

	var audio []byte
	for _, chunk := range f.ttsChunks {
		audio = append(audio, chunk...)
	}
	return stream.SendMsg(&synthesizeSpeechResponse{Audio: audio})
}

func (f *fakeRiva) synthesizeOnline(stream grpc.ServerStream) error {
	req := &synthesizeSpeechRequest{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	for _, chunk := range f.ttsChunks {
		if err := stream.SendMsg(&synthesizeSpeechResponse{Audio: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func setupFakeRiva(t *testing.T, fake *fakeRiva, opts ...grpc.ServerOption) (*Client, *grpc.Server) {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	opts = append(opts,
		grpc.UnknownServiceHandler(fake.handle),
		grpc.ForceServerCodec(wireCodec{}),
	)
	server := grpc.NewServer(opts...)
	go func() {
		if err := server.Serve(lis); err != nil {
			t.Logf("Server exited with error: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client := NewClientWithConn(conn, 2*time.Second)
	t.Cleanup(func() {
		_ = client.Close()
		server.Stop()
	})
	return client, server
}

func TestClient_Recognize(t *testing.T) {
	fake := &fakeRiva{hypotheses: []string{"turn on the lights", "turn on the light"}}
	client, _ := setupFakeRiva(t, fake)

	hyps, err := client.Recognize(context.Background(), make([]byte, 3200), speech.RecognitionConfig{})
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	assert.Equal(t, "turn on the lights", hyps[0].Text)
	assert.InDelta(t, 0.9, hyps[0].Confidence, 0.001)
	assert.Equal(t, "turn on the light", hyps[1].Text)
}

func TestClient_RecognizeEmptyAudio(t *testing.T) {
	client, _ := setupFakeRiva(t, &fakeRiva{})

	_, err := client.Recognize(context.Background(), nil, speech.RecognitionConfig{})
	assert.ErrorIs(t, err, speech.ErrInvalidInput)
}

func TestClient_RecognizeErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"InvalidArgument", status.Error(codes.InvalidArgument, "unsupported encoding"), speech.ErrInvalidInput},
		{"Unavailable", status.Error(codes.Unavailable, "model not loaded"), speech.ErrBackendUnavailable},
		{"Internal", status.Error(codes.Internal, "boom"), speech.ErrBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := setupFakeRiva(t, &fakeRiva{recognizeErr: tt.err})

			_, err := client.Recognize(context.Background(), []byte{1, 2}, speech.RecognitionConfig{})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_RecognizeServerDown(t *testing.T) {
	client, server := setupFakeRiva(t, &fakeRiva{})
	server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := client.Recognize(ctx, []byte{1, 2}, speech.RecognitionConfig{})
	assert.ErrorIs(t, err, speech.ErrBackendUnavailable)
}

func TestClient_RecognizeDeadline(t *testing.T) {
	client, _ := setupFakeRiva(t, &fakeRiva{hang: true})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Recognize(ctx, []byte{1, 2}, speech.RecognitionConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, speech.ErrBackendUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_RecognizeClientTimeout(t *testing.T) {
	client, _ := setupFakeRiva(t, &fakeRiva{hang: true})
	client.timeout = 100 * time.Millisecond

	_, err := client.Recognize(context.Background(), []byte{1, 2}, speech.RecognitionConfig{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, speech.ErrBackendUnavailable)
}

func TestClient_StreamingRecognize(t *testing.T) {
	fake := &fakeRiva{finalText: "hello world"}
	client, _ := setupFakeRiva(t, fake)
	ctx := context.Background()

	stream, err := client.OpenStream(ctx, speech.RecognitionConfig{
		SampleRate:     16000,
		Language:       "en-US",
		Model:          "conformer-streaming",
		InterimResults: true,
	})
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(ctx, []byte{1, 2, 3, 4}))
	first := <-stream.Results()
	assert.Equal(t, "partial 1", first.Transcript)
	assert.False(t, first.IsFinal)
	assert.InDelta(t, 0.5, first.Stability, 0.001)

	require.NoError(t, stream.Send(ctx, []byte{5, 6, 7, 8}))
	second := <-stream.Results()
	assert.Equal(t, "partial 2", second.Transcript)

	require.NoError(t, stream.Finish(ctx))

	var rest []speech.StreamResult
	for r := range stream.Results() {
		rest = append(rest, r)
	}
	require.Len(t, rest, 1)
	assert.True(t, rest[0].IsFinal)
	assert.Equal(t, "hello world", rest[0].Transcript)
	assert.NoError(t, stream.Err())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotNil(t, fake.streamConfig)
	assert.True(t, fake.streamConfig.InterimResults)
	assert.Equal(t, int32(16000), fake.streamConfig.Config.SampleRateHertz)
	assert.Equal(t, "conformer-streaming", fake.streamConfig.Config.Model)
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}, fake.streamAudio)
}

func TestClient_OpenStreamOutlivesCallerContext(t *testing.T) {
	fake := &fakeRiva{finalText: "still here"}
	client, _ := setupFakeRiva(t, fake)

	openCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.OpenStream(openCtx, speech.RecognitionConfig{InterimResults: true})
	require.NoError(t, err)
	cancel()

	ctx := context.Background()
	require.NoError(t, stream.Send(ctx, []byte{1, 2}))
	<-stream.Results()
	require.NoError(t, stream.Finish(ctx))

	final := <-stream.Results()
	assert.Equal(t, "still here", final.Transcript)
}

func TestClient_Synthesize(t *testing.T) {
	fake := &fakeRiva{ttsChunks: [][]byte{{1, 2}, {3, 4}}}
	client, _ := setupFakeRiva(t, fake)

	audio, err := client.Synthesize(context.Background(), speech.SynthesisRequest{
		Text:  "  Hello there  ",
		Voice: "English-US.Female-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, audio)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.synthRequests, 1)
	req := fake.synthRequests[0]
	assert.Equal(t, "Hello there", req.Text)
	assert.Equal(t, "English-US.Female-1", req.VoiceName)
	assert.Equal(t, "en-US", req.LanguageCode)
	assert.Equal(t, int32(DefaultSynthesisSampleRate), req.SampleRateHz)
	assert.Equal(t, int32(speech.EncodingLinearPCM), req.Encoding)
}

func TestClient_SynthesizeEmptyText(t *testing.T) {
	client, _ := setupFakeRiva(t, &fakeRiva{})

	_, err := client.Synthesize(context.Background(), speech.SynthesisRequest{Text: "   "})
	assert.ErrorIs(t, err, speech.ErrInvalidInput)

	_, err = client.SynthesizeStream(context.Background(), speech.SynthesisRequest{})
	assert.ErrorIs(t, err, speech.ErrInvalidInput)
}

func TestClient_SynthesizeStream(t *testing.T) {
	fake := &fakeRiva{ttsChunks: [][]byte{{1, 2}, {3, 4}, {5}}}
	client, _ := setupFakeRiva(t, fake)

	stream, err := client.SynthesizeStream(context.Background(), speech.SynthesisRequest{Text: "Hello"})
	require.NoError(t, err)
	defer stream.Close()

	var chunks [][]byte
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, fake.ttsChunks, chunks)
}

func TestClient_ListCapabilities(t *testing.T) {
	fake := &fakeRiva{
		asrModels: []*modelConfig{
			{ModelName: "conformer-en-US-asr-streaming", Parameters: map[string]string{"language_code": "en-US"}},
			{ModelName: "conformer-es-US-asr-streaming", Parameters: map[string]string{"language_code": "es-US"}},
		},
		ttsModels: []*modelConfig{
			{ModelName: "fastpitch_hifigan", Parameters: map[string]string{"voice_name": "English-US", "language_code": "en-US"}},
			{ModelName: "fastpitch_hifigan_2", Parameters: map[string]string{"voice_name": "English-US", "language_code": "en-US, en-GB"}},
		},
	}
	client, _ := setupFakeRiva(t, fake)

	caps, err := client.ListCapabilities(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"conformer-en-US-asr-streaming": {"en-US"},
		"conformer-es-US-asr-streaming": {"es-US"},
	}, caps.ASRModels)
	assert.Equal(t, map[string][]string{"English-US": {"en-US", "en-GB"}}, caps.TTSModels)
	assert.Equal(t, "conformer-en-US-asr-streaming", caps.DefaultASRModel)
	assert.Equal(t, "en-US", caps.DefaultASRLanguage)
	assert.Equal(t, "English-US", caps.DefaultTTSModel)
	assert.Equal(t, "en-US", caps.DefaultTTSLanguage)
}

func TestClient_ListCapabilitiesWithoutSynthesis(t *testing.T) {
	fake := &fakeRiva{
		asrModels: []*modelConfig{
			{ModelName: "citrinet", Parameters: map[string]string{"language_code": "de-DE"}},
		},
		noTTSConfig: true,
	}
	client, _ := setupFakeRiva(t, fake)

	caps, err := client.ListCapabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"citrinet": {"de-DE"}}, caps.ASRModels)
	assert.Empty(t, caps.TTSModels)
	assert.Empty(t, caps.DefaultTTSModel)
}

func TestClient_Ping(t *testing.T) {
	client, server := setupFakeRiva(t, &fakeRiva{})

	assert.NoError(t, client.Ping(context.Background()))

	server.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.Ping(ctx), speech.ErrBackendUnavailable)
}

// A server that never reads lets the client fill the stream's flow-control
// window, after which sends block until their context expires
func TestClient_StreamSendTimeout(t *testing.T) {
	client, _ := setupFakeRiva(t, &fakeRiva{hang: true},
		grpc.InitialWindowSize(64*1024),
		grpc.InitialConnWindowSize(64*1024),
	)

	stream, err := client.OpenStream(context.Background(), speech.RecognitionConfig{InterimResults: true})
	require.NoError(t, err)
	defer stream.Close()

	chunk := make([]byte, 256*1024)
	var sendErr error
	for i := 0; i < 20 && sendErr == nil; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		sendErr = stream.Send(ctx, chunk)
		cancel()
	}
	require.Error(t, sendErr)
	assert.ErrorIs(t, sendErr, context.DeadlineExceeded)
	assert.ErrorIs(t, sendErr, speech.ErrBackendUnavailable)
}

func TestClient_StreamFinishTimeout(t *testing.T) {
	client, _ := setupFakeRiva(t, &fakeRiva{hang: true})

	stream, err := client.OpenStream(context.Background(), speech.RecognitionConfig{InterimResults: true})
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(context.Background(), []byte{1, 2, 3, 4}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = stream.Finish(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, speech.ErrBackendUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}
