package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-speech-relay/internal/audio"
	"github.com/loqalabs/loqa-speech-relay/internal/catalog"
	"github.com/loqalabs/loqa-speech-relay/internal/config"
	"github.com/loqalabs/loqa-speech-relay/internal/events"
	"github.com/loqalabs/loqa-speech-relay/internal/session"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
	"github.com/loqalabs/loqa-speech-relay/internal/storage"
)

// fakeStream reports the first word of each non-silent chunk as an interim
// result and the whole utterance as a final result on Finish
type fakeStream struct {
	results chan speech.StreamResult
	once    sync.Once

	mu     sync.Mutex
	chunks []string
}

func (f *fakeStream) Send(_ context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	text := string(bytes.Trim(chunk, "\x00"))
	if text != "" {
		f.chunks = append(f.chunks, text)
		text = strings.Fields(text)[0]
	}
	f.results <- speech.StreamResult{Transcript: text}
	return nil
}

func (f *fakeStream) Results() <-chan speech.StreamResult { return f.results }

func (f *fakeStream) Finish(context.Context) error {
	f.mu.Lock()
	final := strings.Join(f.chunks, " ")
	f.mu.Unlock()

	f.once.Do(func() {
		f.results <- speech.StreamResult{Transcript: final, IsFinal: true}
		close(f.results)
	})
	return nil
}

func (f *fakeStream) Err() error { return nil }

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.results) })
	return nil
}

// fakeBackend implements the recognizer, synthesizer and pinger
type fakeBackend struct {
	mu sync.Mutex

	recognizeAudio []byte
	recognizeCfg   speech.RecognitionConfig
	recognizeErr   error
	hypotheses     []speech.Hypothesis

	openErr     error
	streamCfgs  []speech.RecognitionConfig
	synthReqs   []speech.SynthesisRequest
	synthAudio  []byte
	synthChunks [][]byte
	synthErr    error
	pingErr     error
}

func (f *fakeBackend) Recognize(_ context.Context, pcm []byte, cfg speech.RecognitionConfig) ([]speech.Hypothesis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recognizeAudio = pcm
	f.recognizeCfg = cfg
	if f.recognizeErr != nil {
		return nil, f.recognizeErr
	}
	return f.hypotheses, nil
}

func (f *fakeBackend) OpenStream(_ context.Context, cfg speech.RecognitionConfig) (speech.RecognitionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.streamCfgs = append(f.streamCfgs, cfg)
	return &fakeStream{results: make(chan speech.StreamResult, 64)}, nil
}

func (f *fakeBackend) Synthesize(_ context.Context, req speech.SynthesisRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthReqs = append(f.synthReqs, req)
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return f.synthAudio, nil
}

func (f *fakeBackend) SynthesizeStream(_ context.Context, req speech.SynthesisRequest) (speech.AudioStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthReqs = append(f.synthReqs, req)
	return &fakeAudioStream{chunks: f.synthChunks, err: f.synthErr}, nil
}

func (f *fakeBackend) Ping(context.Context) error {
	return f.pingErr
}

// fakeAudioStream yields its chunks, then err or io.EOF
type fakeAudioStream struct {
	chunks [][]byte
	err    error
	closed bool
}

func (f *fakeAudioStream) Next() ([]byte, error) {
	if len(f.chunks) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk, nil
}

func (f *fakeAudioStream) Close() error {
	f.closed = true
	return nil
}

type recordingSink struct {
	mu          sync.Mutex
	transcripts []*events.TranscriptEvent
	syntheses   []*events.SynthesisEvent
}

func (r *recordingSink) RecordTranscript(_ context.Context, event *events.TranscriptEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, event)
	return nil
}

func (r *recordingSink) RecordSynthesis(_ context.Context, event *events.SynthesisEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syntheses = append(r.syntheses, event)
	return nil
}

func (r *recordingSink) transcriptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transcripts)
}

type testRelay struct {
	server   *Server
	backend  *fakeBackend
	sink     *recordingSink
	sessions *session.Manager
	cfg      *config.Config
}

// Helper function to create a test configuration
func createTestConfig(t *testing.T) *config.Config {
	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<html>relay</html>"), 0o600))

	return &config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			Port:           5000,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			StaticDir:      staticDir,
			MaxUploadBytes: 1 << 20,
		},
		Riva: config.RivaConfig{
			Address: "localhost:50051",
			Timeout: 5 * time.Second,
		},
		ASR: config.ASRConfig{
			DefaultModel:    "conformer-streaming",
			DefaultLanguage: "en-US",
			SampleRate:      16000,
			Punctuation:     true,
		},
		TTS: config.TTSConfig{
			Voice:      "English-US-Female-1",
			Language:   "en-US",
			SampleRate: 22050,
			AudioDir:   filepath.Join(t.TempDir(), "tts"),
		},
	}
}

func newTestRelay(t *testing.T, maxSessions int) *testRelay {
	t.Helper()

	cfg := createTestConfig(t)
	backend := &fakeBackend{
		hypotheses: []speech.Hypothesis{{Text: "hello world", Confidence: 0.93}},
		synthAudio: []byte{1, 0, 2, 0, 3, 0, 4, 0},
	}
	sink := &recordingSink{}

	sessions := session.NewManager(backend, session.Options{
		MaxSessions: maxSessions,
		CallTimeout: 2 * time.Second,
		ResultWait:  2 * time.Second,
	}, sink)
	t.Cleanup(func() { _ = sessions.Close() })

	models := catalog.New(nil, catalog.Config{
		DefaultASRModel:    cfg.ASR.DefaultModel,
		DefaultASRLanguage: cfg.ASR.DefaultLanguage,
		DefaultTTSModel:    cfg.TTS.Voice,
		DefaultTTSLanguage: cfg.TTS.Language,
	})

	srv := New(cfg, Dependencies{
		Recognizer:  backend,
		Synthesizer: backend,
		Sessions:    sessions,
		Catalog:     models,
		Sink:        sink,
		Backend:     backend,
	})

	return &testRelay{server: srv, backend: backend, sink: sink, sessions: sessions, cfg: cfg}
}

func (tr *testRelay) do(method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	tr.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (tr *testRelay) postJSON(target string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	return tr.do(http.MethodPost, target, bytes.NewReader(data), "application/json")
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func multipartBody(t *testing.T, field, filename string, data []byte, values map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.do(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["backend"])
	assert.EqualValues(t, 0, body["active_sessions"])
}

func TestHealth_BackendDown(t *testing.T) {
	tr := newTestRelay(t, 10)
	tr.backend.pingErr = fmt.Errorf("connection refused: %w", speech.ErrBackendUnavailable)

	rec := tr.do(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["backend"])
}

type fakeBus struct {
	connected bool
	stats     nats.Statistics
}

func (f *fakeBus) IsConnected() bool         { return f.connected }
func (f *fakeBus) GetStats() nats.Statistics { return f.stats }

func TestHealth_EventsAndStorage(t *testing.T) {
	tr := newTestRelay(t, 10)

	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: storage.MemoryPath})
	require.NoError(t, err)
	bus := &fakeBus{connected: true}
	bus.stats.OutMsgs = 7
	bus.stats.Reconnects = 1

	srv := New(tr.cfg, Dependencies{
		Sessions: tr.sessions,
		Backend:  tr.backend,
		Events:   bus,
		Database: db,
	})
	health := func() map[string]interface{} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeBody(t, rec)
	}

	body := health()
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]interface{}{
		"connected":  true,
		"published":  float64(7),
		"reconnects": float64(1),
	}, body["nats"])
	assert.Equal(t, map[string]interface{}{
		"status": "ok",
		"path":   storage.MemoryPath,
	}, body["storage"])

	bus.connected = false
	require.NoError(t, db.Close())

	body = health()
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["nats"].(map[string]interface{})["connected"])
	stored := body["storage"].(map[string]interface{})
	assert.Equal(t, "unavailable", stored["status"])
	assert.NotEmpty(t, stored["error"])
}

func TestGetModels(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.do(http.MethodGet, "/get_models", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var caps speech.Capabilities
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	assert.Equal(t, "conformer-streaming", caps.DefaultASRModel)
	assert.Equal(t, "en-US", caps.DefaultASRLanguage)
	assert.Equal(t, []string{"en-US"}, caps.ASRModels["conformer-streaming"])
	assert.Equal(t, "English-US-Female-1", caps.DefaultTTSModel)
}

func TestTranscribe_WAVUpload(t *testing.T) {
	tr := newTestRelay(t, 10)
	pcm := make([]byte, 1600)
	pcm[10] = 7

	body, contentType := multipartBody(t, "audio", "clip.wav", audio.EncodeWAV(pcm, 8000),
		map[string]string{"model": "parakeet", "language": "en-GB"})
	rec := tr.do(http.MethodPost, "/transcribe", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp transcribeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello world", resp.Transcription)
	assert.Equal(t, "parakeet", resp.Model)
	assert.Equal(t, "en-GB", resp.Language)
	require.Len(t, resp.Results, 1)
	assert.InDelta(t, 0.93, resp.Results[0].Confidence, 0.001)

	// Header stripped and rate taken from the file
	assert.Equal(t, pcm, tr.backend.recognizeAudio)
	assert.Equal(t, 8000, tr.backend.recognizeCfg.SampleRate)
	assert.Equal(t, speech.EncodingLinearPCM, tr.backend.recognizeCfg.Encoding)
	assert.True(t, tr.backend.recognizeCfg.Punctuation)

	require.Len(t, tr.sink.transcripts, 1)
	event := tr.sink.transcripts[0]
	assert.Equal(t, events.SourceFile, event.Source)
	assert.Equal(t, "hello world", event.Transcription)
	assert.True(t, event.Success)
}

func TestTranscribe_ASRAliasWithFileField(t *testing.T) {
	tr := newTestRelay(t, 10)

	body, contentType := multipartBody(t, "file", "clip.raw", []byte{1, 2, 3, 4}, map[string]string{"sample_rate": "44100"})
	rec := tr.do(http.MethodPost, "/asr", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody(t, rec)
	assert.Equal(t, "conformer-streaming", resp["model"])
	assert.Equal(t, "en-US", resp["language"])
	assert.Equal(t, 44100, tr.backend.recognizeCfg.SampleRate)
	// No model requested: the backend chooses, the response names the default
	assert.Empty(t, tr.backend.recognizeCfg.Model)
	assert.Equal(t, "en-US", tr.backend.recognizeCfg.Language)
}

func TestTranscribe_RawBody(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.do(http.MethodPost, "/transcribe", bytes.NewReader([]byte{5, 6, 7, 8}), "application/octet-stream")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []byte{5, 6, 7, 8}, tr.backend.recognizeAudio)
	assert.Equal(t, 16000, tr.backend.recognizeCfg.SampleRate)
}

func TestTranscribe_NoResults(t *testing.T) {
	tr := newTestRelay(t, 10)
	tr.backend.hypotheses = nil

	rec := tr.do(http.MethodPost, "/transcribe", bytes.NewReader([]byte{1, 2}), "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, "", resp["transcription"])
	assert.Equal(t, []interface{}{}, resp["results"])
}

func TestTranscribe_Errors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*fakeBackend)
		body       func(t *testing.T) (io.Reader, string)
		wantStatus int
	}{
		{
			name: "missing audio field",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "", "", nil, map[string]string{"model": "parakeet"})
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "empty body",
			body: func(t *testing.T) (io.Reader, string) {
				return bytes.NewReader(nil), "application/octet-stream"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "bad sample rate",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "audio", "a.raw", []byte{1, 2}, map[string]string{"sample_rate": "fast"})
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "truncated wav",
			body: func(t *testing.T) (io.Reader, string) {
				return bytes.NewReader(audio.EncodeWAV(make([]byte, 8), 16000)[:20]), ""
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "too large",
			body: func(t *testing.T) (io.Reader, string) {
				return bytes.NewReader(make([]byte, 2<<20)), "application/octet-stream"
			},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:  "backend unavailable",
			setup: func(f *fakeBackend) { f.recognizeErr = fmt.Errorf("riva recognize: %w", speech.ErrBackendUnavailable) },
			body:  func(t *testing.T) (io.Reader, string) {
				return bytes.NewReader([]byte{1, 2}), ""
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:  "backend timeout",
			setup: func(f *fakeBackend) {
				f.recognizeErr = fmt.Errorf("riva recognize: %w: %w", speech.ErrBackendUnavailable, context.DeadlineExceeded)
			},
			body:  func(t *testing.T) (io.Reader, string) {
				return bytes.NewReader([]byte{1, 2}), ""
			},
			wantStatus: http.StatusGatewayTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRelay(t, 10)
			if tt.setup != nil {
				tt.setup(tr.backend)
			}

			body, contentType := tt.body(t)
			rec := tr.do(http.MethodPost, "/transcribe", body, contentType)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

func TestStreaming_EndToEnd(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.postJSON("/stream_start", map[string]string{"asr_model": "parakeet", "asr_language": "en-US"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	start := decodeBody(t, rec)
	id, _ := start["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "parakeet", start["model"])
	assert.Equal(t, "en-US", start["language"])

	// One second of silence
	rec = tr.do(http.MethodPost, "/stream_audio/"+id+"?sample_rate=16000", bytes.NewReader(make([]byte, 32000)), "application/octet-stream")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "", decodeBody(t, rec)["transcription"])

	rec = tr.do(http.MethodPost, "/stream_audio/"+id, strings.NewReader("hello world"), "application/octet-stream")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello", decodeBody(t, rec)["transcription"])

	rec = tr.do(http.MethodGet, "/stream_status/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["session_id"])

	rec = tr.do(http.MethodPost, "/stream_stop/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stop := decodeBody(t, rec)
	assert.Equal(t, "hello world", stop["final_transcription"])
	assert.Equal(t, "parakeet", stop["model"])

	// Finalized sessions are gone
	rec = tr.do(http.MethodPost, "/stream_stop/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = tr.do(http.MethodPost, "/stream_audio/"+id, strings.NewReader("again"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["error"])

	assert.Equal(t, 1, tr.sink.transcriptCount())
}

func TestStreamStart_Defaults(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.do(http.MethodPost, "/stream_start", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "conformer-streaming", body["model"])
	assert.Equal(t, "en-US", body["language"])
	assert.EqualValues(t, 16000, body["sample_rate"])

	require.Len(t, tr.backend.streamCfgs, 1)
	assert.True(t, tr.backend.streamCfgs[0].InterimResults)
	assert.Empty(t, tr.backend.streamCfgs[0].Model)

	id := body["session_id"].(string)
	rec = tr.do(http.MethodGet, "/stream_status/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "conformer-streaming", decodeBody(t, rec)["model"])

	rec = tr.do(http.MethodPost, "/stream_stop/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "conformer-streaming", decodeBody(t, rec)["model"])
}

func TestStreamStart_Errors(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		tr := newTestRelay(t, 10)
		rec := tr.do(http.MethodPost, "/stream_start", strings.NewReader("{"), "application/json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("backend down", func(t *testing.T) {
		tr := newTestRelay(t, 10)
		tr.backend.openErr = errors.New("connection refused")
		rec := tr.postJSON("/stream_start", map[string]string{})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.NotEmpty(t, decodeBody(t, rec)["error"])
	})

	t.Run("session limit", func(t *testing.T) {
		tr := newTestRelay(t, 1)
		require.Equal(t, http.StatusOK, tr.postJSON("/stream_start", nil).Code)
		rec := tr.postJSON("/stream_start", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestStreamAudio_Errors(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.do(http.MethodPost, "/stream_audio/abc123", strings.NewReader("x"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tr.do(http.MethodPost, "/stream_audio/0191d6b2-3c5e-7a8f-9b1c-2d3e4f5a6b7c", strings.NewReader("x"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tr.postJSON("/stream_start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeBody(t, rec)["session_id"].(string)

	rec = tr.do(http.MethodPost, "/stream_audio/"+id+"?sample_rate=8000", strings.NewReader("x"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.do(http.MethodPost, "/stream_audio/"+id+"?sample_rate=-1", strings.NewReader("x"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Empty polls are fine
	rec = tr.do(http.MethodPost, "/stream_audio/"+id, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSynthesize_ReturnsWAV(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.postJSON("/tts", map[string]string{"text": "  hi  ", "voice": "English-US-Female-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))

	wav, err := audio.DecodeWAV(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 22050, wav.Format.SampleRate)
	assert.Equal(t, tr.backend.synthAudio, wav.Data)

	require.Len(t, tr.backend.synthReqs, 1)
	req := tr.backend.synthReqs[0]
	assert.Equal(t, "hi", req.Text)
	assert.Equal(t, "English-US-Female-1", req.Voice)
	assert.Equal(t, "en-US", req.Language)

	require.Len(t, tr.sink.syntheses, 1)
	assert.True(t, tr.sink.syntheses[0].Success)
}

func TestSynthesize_FormAlias(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.do(http.MethodPost, "/tts/synthesize", strings.NewReader("text=hello&language=en-GB"), "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "en-GB", tr.backend.synthReqs[0].Language)
	assert.Equal(t, "English-US-Female-1", tr.backend.synthReqs[0].Voice)
}

func TestSynthesize_Errors(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.postJSON("/tts", map[string]string{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["error"])

	rec = tr.postJSON("/tts", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.do(http.MethodPost, "/tts", strings.NewReader("not json"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tr.backend.synthErr = fmt.Errorf("riva synthesize: %w", speech.ErrBackendUnavailable)
	rec = tr.postJSON("/tts", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["error"])
	require.Len(t, tr.sink.syntheses, 1)
	assert.False(t, tr.sink.syntheses[0].Success)
}

func TestSynthesize_SaveAndFetch(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.postJSON("/tts", map[string]string{"text": "hi", "format": "file"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ref, _ := decodeBody(t, rec)["audio_file"].(string)
	require.True(t, strings.HasPrefix(ref, "/tts/audio/"), ref)

	rec = tr.do(http.MethodGet, ref, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, audio.EncodeWAV(tr.backend.synthAudio, 22050), rec.Body.Bytes())

	require.Len(t, tr.sink.syntheses, 1)
	assert.Equal(t, strings.TrimPrefix(ref, "/tts/audio/"), tr.sink.syntheses[0].AudioFile)

	// Query flag works too
	rec = tr.postJSON("/tts?save=true", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["audio_file"])
}

func TestSynthesizedAudio_Errors(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.do(http.MethodGet, "/tts/audio/notes.txt", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.do(http.MethodGet, "/tts/audio/..%2Fsecret.wav", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.do(http.MethodGet, "/tts/audio/missing.wav", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["error"])
}

func TestSynthesizeStream(t *testing.T) {
	tr := newTestRelay(t, 10)
	tr.backend.synthChunks = [][]byte{{1, 0, 2, 0}, {3, 0}, {4, 0, 5, 0}}

	rec := tr.postJSON("/tts-stream", map[string]string{"text": "hello there", "voice": "English-US-Male-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	expected := append(audio.StreamingHeader(22050), 1, 0, 2, 0, 3, 0, 4, 0, 5, 0)
	assert.Equal(t, expected, rec.Body.Bytes())

	require.Len(t, tr.sink.syntheses, 1)
	event := tr.sink.syntheses[0]
	assert.True(t, event.Streamed)
	assert.True(t, event.Success)
	assert.Equal(t, "English-US-Male-1", event.Voice)
}

func TestSynthesizeStream_Failures(t *testing.T) {
	t.Run("immediate failure is a JSON error", func(t *testing.T) {
		tr := newTestRelay(t, 10)
		tr.backend.synthErr = fmt.Errorf("riva synthesis stream: %w", speech.ErrBackendUnavailable)

		rec := tr.postJSON("/tts-stream", map[string]string{"text": "hi"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.NotEmpty(t, decodeBody(t, rec)["error"])
	})

	t.Run("mid-stream failure truncates", func(t *testing.T) {
		tr := newTestRelay(t, 10)
		tr.backend.synthChunks = [][]byte{{1, 0}}
		tr.backend.synthErr = fmt.Errorf("riva synthesis stream: %w", speech.ErrBackendUnavailable)

		rec := tr.postJSON("/tts-stream", map[string]string{"text": "hi"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, append(audio.StreamingHeader(22050), 1, 0), rec.Body.Bytes())

		require.Len(t, tr.sink.syntheses, 1)
		assert.False(t, tr.sink.syntheses[0].Success)
	})

	t.Run("empty text", func(t *testing.T) {
		tr := newTestRelay(t, 10)
		rec := tr.postJSON("/tts-stream", map[string]string{"voice": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStreamSocket(t *testing.T) {
	tr := newTestRelay(t, 10)
	ts := httptest.NewServer(tr.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"asr_model": "parakeet"}))

	var msg socketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "started", msg.Type)
	assert.Equal(t, "parakeet", msg.Model)
	require.NotEmpty(t, msg.SessionID)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello world")))
	msg = socketMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "partial", msg.Type)
	assert.Equal(t, "hello", msg.Transcription)

	require.NoError(t, conn.WriteJSON(socketControl{Type: "stop"}))
	msg = socketMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "final", msg.Type)
	assert.Equal(t, "hello world", msg.FinalTranscription)

	assert.Equal(t, 0, tr.sessions.Len())
}

func TestStreamSocket_DisconnectStopsSession(t *testing.T) {
	tr := newTestRelay(t, 10)
	ts := httptest.NewServer(tr.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/stream", nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{}")))
	var msg socketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "started", msg.Type)
	assert.Equal(t, 1, tr.sessions.Len())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return tr.sessions.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return tr.sink.transcriptCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamSocket_BadConfig(t *testing.T) {
	tr := newTestRelay(t, 10)
	ts := httptest.NewServer(tr.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	var msg socketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "session config")
	assert.Equal(t, 0, tr.sessions.Len())
}

func TestStaticClient(t *testing.T) {
	tr := newTestRelay(t, 10)

	rec := tr.do(http.MethodGet, "/", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay")

	rec = tr.do(http.MethodGet, "/static/index.html", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", fmt.Errorf("x: %w", speech.ErrInvalidInput), http.StatusBadRequest},
		{"unknown session", fmt.Errorf("x: %w", speech.ErrUnknownSession), http.StatusNotFound},
		{"too many sessions", fmt.Errorf("x: %w: %w", speech.ErrTooManySessions, speech.ErrBackendUnavailable), http.StatusServiceUnavailable},
		{"backend unavailable", fmt.Errorf("x: %w", speech.ErrBackendUnavailable), http.StatusBadGateway},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"backend deadline", fmt.Errorf("x: %w: %w", speech.ErrBackendUnavailable, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"body too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestTranscriptHistoryMounted(t *testing.T) {
	cfg := createTestConfig(t)
	backend := &fakeBackend{hypotheses: []speech.Hypothesis{{Text: "hello", Confidence: 0.5}}}

	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: storage.MemoryPath})
	require.NoError(t, err)
	defer db.Close()
	history := storage.NewHistoryStore(db)

	sessions := session.NewManager(backend, session.Options{}, history)
	defer sessions.Close()

	srv := New(cfg, Dependencies{
		Recognizer:  backend,
		Synthesizer: backend,
		Sessions:    sessions,
		Catalog:     catalog.New(nil, catalog.Config{}),
		Sink:        history,
		History:     history,
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transcribe", bytes.NewReader([]byte{1, 2})))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transcripts?source=file", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total       int64                     `json:"total"`
		Transcripts []*events.TranscriptEvent `json:"transcripts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp.Total)
	assert.Equal(t, "hello", resp.Transcripts[0].Transcription)
}
