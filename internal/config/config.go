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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the speech relay
type Config struct {
	Server  ServerConfig
	Riva    RivaConfig
	ASR     ASRConfig
	TTS     TTSConfig
	Session SessionConfig
	Logging LoggingConfig
	NATS    NATSConfig
	Storage StorageConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLSCertFile    string // HTTPS is used when both files exist
	TLSKeyFile     string
	StaticDir      string // Web client assets served at /
	MaxUploadBytes int64
}

// RivaConfig holds the speech backend connection settings
type RivaConfig struct {
	Address    string
	UseTLS     bool
	CACertFile string
	Timeout    time.Duration // Bound on each backend call
}

// ASRConfig holds recognition defaults
type ASRConfig struct {
	DefaultModel    string
	DefaultLanguage string
	SampleRate      int
	Punctuation     bool
	ModelsFile      string        // models.json written by models-cli
	RivaConfigFile  string        // Riva quickstart config.sh
	CatalogTTL      time.Duration // How long backend capability listings are cached
}

// TTSConfig holds synthesis defaults
type TTSConfig struct {
	Voice      string
	Language   string
	SampleRate int
	AudioDir   string // Where saved synthesis files are written
}

// SessionConfig holds streaming session limits
type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	MaxSessions   int
	StopTimeout   time.Duration // Bound on draining final results
	ResultWait    time.Duration // How long an append waits for a fresh partial
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// StorageConfig holds transcript history configuration
type StorageConfig struct {
	Enabled bool
	DBPath  string
}

// LoadDotEnv loads variables from path into the environment without
// overriding ones that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:           getEnvString("RELAY_HOST", "0.0.0.0"),
			Port:           getEnvInt("RELAY_PORT", 5000),
			ReadTimeout:    getEnvDuration("RELAY_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("RELAY_WRITE_TIMEOUT", 60*time.Second),
			TLSCertFile:    getEnvString("SSL_CERT_FILE", ""),
			TLSKeyFile:     getEnvString("SSL_KEY_FILE", ""),
			StaticDir:      getEnvString("STATIC_DIR", "./static"),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 32<<20)),
		},
		Riva: RivaConfig{
			Address:    getEnvString("RIVA_SERVER", "localhost:50051"),
			UseTLS:     getEnvBool("RIVA_USE_TLS", false),
			CACertFile: getEnvString("RIVA_SSL_CERT", ""),
			Timeout:    getEnvDuration("RIVA_TIMEOUT", 30*time.Second),
		},
		ASR: ASRConfig{
			DefaultModel:    getEnvString("ASR_MODEL", "conformer-streaming"),
			DefaultLanguage: getEnvString("ASR_LANGUAGE", "en-US"),
			SampleRate:      getEnvInt("ASR_SAMPLE_RATE", 16000),
			Punctuation:     getEnvBool("ASR_PUNCTUATION", true),
			ModelsFile:      getEnvString("MODELS_FILE", "models.json"),
			RivaConfigFile:  getEnvString("RIVA_CONFIG_FILE", ""),
			CatalogTTL:      getEnvDuration("CATALOG_TTL", time.Hour),
		},
		TTS: TTSConfig{
			Voice:      getEnvString("TTS_VOICE", "English-US-Female-1"),
			Language:   getEnvString("TTS_LANGUAGE", "en-US"),
			SampleRate: getEnvInt("TTS_SAMPLE_RATE", 22050),
			AudioDir:   getEnvString("TTS_AUDIO_DIR", "./data/tts"),
		},
		Session: SessionConfig{
			IdleTimeout:   getEnvDuration("SESSION_IDLE_TIMEOUT", 2*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 15*time.Second),
			MaxSessions:   getEnvInt("SESSION_MAX", 100),
			StopTimeout:   getEnvDuration("SESSION_STOP_TIMEOUT", 10*time.Second),
			ResultWait:    getEnvDuration("SESSION_RESULT_WAIT", 250*time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "console"),
		},
		NATS: NATSConfig{
			Enabled:       getEnvBool("NATS_ENABLED", false),
			URL:           getEnvString("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnvString("NATS_SUBJECT_PREFIX", "speech"),
			MaxReconnect:  getEnvInt("NATS_MAX_RECONNECT", 10),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		Storage: StorageConfig{
			Enabled: getEnvBool("STORAGE_ENABLED", true),
			DBPath:  getEnvString("DB_PATH", "./data/speech-relay.db"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive: %d", c.Server.MaxUploadBytes)
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("SSL_CERT_FILE and SSL_KEY_FILE must be set together")
	}

	if c.Riva.Address == "" {
		return fmt.Errorf("Riva server address must be provided")
	}

	if c.Riva.Timeout <= 0 {
		return fmt.Errorf("Riva timeout must be positive: %s", c.Riva.Timeout)
	}

	if c.ASR.SampleRate <= 0 {
		return fmt.Errorf("ASR sample rate must be positive: %d", c.ASR.SampleRate)
	}

	if c.TTS.SampleRate <= 0 {
		return fmt.Errorf("TTS sample rate must be positive: %d", c.TTS.SampleRate)
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session idle timeout must be positive: %s", c.Session.IdleTimeout)
	}

	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval must be positive: %s", c.Session.SweepInterval)
	}

	if c.Session.ResultWait < 0 {
		return fmt.Errorf("session result wait cannot be negative: %s", c.Session.ResultWait)
	}

	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session max must be positive: %d", c.Session.MaxSessions)
	}

	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("DB path must be provided when storage is enabled")
	}

	return nil
}

// Addr returns the HTTP listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSEnabled reports whether both certificate files are configured and present
func (s ServerConfig) TLSEnabled() bool {
	if s.TLSCertFile == "" || s.TLSKeyFile == "" {
		return false
	}
	if _, err := os.Stat(s.TLSCertFile); err != nil {
		return false
	}
	if _, err := os.Stat(s.TLSKeyFile); err != nil {
		return false
	}
	return true
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
