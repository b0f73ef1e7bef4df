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

// Package catalog answers which recognition and synthesis models the relay
// can offer, preferring the live backend and falling back to files on disk.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-speech-relay/internal/logging"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

// Where a catalog snapshot came from
const (
	SourceBackend    = "backend"
	SourceModelsFile = "models_file"
	SourceRivaConfig = "riva_config"
	SourceDefaults   = "defaults"
)

// fallbackTTL bounds how long a non-backend snapshot is served before the
// backend is asked again
const fallbackTTL = time.Minute

// Config selects the fallback sources and the built-in defaults
type Config struct {
	ModelsFile     string        // models.json written by models-cli
	RivaConfigFile string        // Riva quick start config.sh
	TTL            time.Duration // How long a backend snapshot is served

	DefaultASRModel    string
	DefaultASRLanguage string
	DefaultTTSModel    string
	DefaultTTSLanguage string
}

// Catalog caches the capability listing
type Catalog struct {
	lister speech.CapabilityLister
	cfg    Config

	mu       sync.RWMutex
	cached   *speech.Capabilities
	source   string
	cachedAt time.Time
}

// New creates a catalog. lister may be nil, in which case only the file
// sources and defaults are consulted.
func New(lister speech.CapabilityLister, cfg Config) *Catalog {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.DefaultASRModel == "" {
		cfg.DefaultASRModel = "conformer-streaming"
	}
	if cfg.DefaultASRLanguage == "" {
		cfg.DefaultASRLanguage = "en-US"
	}
	if cfg.DefaultTTSModel == "" {
		cfg.DefaultTTSModel = "fastpitch_hifigan"
	}
	if cfg.DefaultTTSLanguage == "" {
		cfg.DefaultTTSLanguage = "en-US"
	}
	return &Catalog{lister: lister, cfg: cfg}
}

// Capabilities returns the current listing, refreshing it when stale. It
// always succeeds: with every source unavailable the defaults are returned.
func (c *Catalog) Capabilities(ctx context.Context) *speech.Capabilities {
	c.mu.RLock()
	if c.cached != nil && time.Since(c.cachedAt) < c.ttl(c.source) {
		caps := clone(c.cached)
		c.mu.RUnlock()
		return caps
	}
	c.mu.RUnlock()

	return c.Refresh(ctx)
}

// Refresh reloads the listing from the first source that answers
func (c *Catalog) Refresh(ctx context.Context) *speech.Capabilities {
	caps, source := c.load(ctx)

	c.mu.Lock()
	c.cached = caps
	c.source = source
	c.cachedAt = time.Now()
	c.mu.Unlock()

	logging.Sugar.Infow("Model catalog refreshed",
		"source", source,
		"asr_models", len(caps.ASRModels),
		"tts_models", len(caps.TTSModels),
	)

	return clone(caps)
}

// Source reports where the cached listing came from
func (c *Catalog) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

func (c *Catalog) ttl(source string) time.Duration {
	if source != SourceBackend && c.lister != nil && fallbackTTL < c.cfg.TTL {
		return fallbackTTL
	}
	return c.cfg.TTL
}

func (c *Catalog) load(ctx context.Context) (*speech.Capabilities, string) {
	if c.lister != nil {
		caps, err := c.lister.ListCapabilities(ctx)
		if err == nil && len(caps.ASRModels) > 0 {
			if len(caps.TTSModels) == 0 {
				// Older backends cannot list voices; keep the configured one
				caps.TTSModels = map[string][]string{c.cfg.DefaultTTSModel: {c.cfg.DefaultTTSLanguage}}
			}
			return c.normalize(caps), SourceBackend
		}
		if err != nil {
			logging.LogWarn("Backend model listing unavailable, using fallback", zap.Error(err))
		}
	}

	if c.cfg.ModelsFile != "" {
		caps, err := LoadModelsFile(c.cfg.ModelsFile)
		if err == nil {
			return c.normalize(caps), SourceModelsFile
		}
		logging.Sugar.Debugw("Models file not usable", "path", c.cfg.ModelsFile, "error", err)
	}

	if c.cfg.RivaConfigFile != "" {
		caps, err := ParseRivaConfigFile(c.cfg.RivaConfigFile)
		if err == nil {
			return c.normalize(caps), SourceRivaConfig
		}
		logging.Sugar.Debugw("Riva config not usable", "path", c.cfg.RivaConfigFile, "error", err)
	}

	return c.Defaults(), SourceDefaults
}

// Defaults is the listing used when no source answers
func (c *Catalog) Defaults() *speech.Capabilities {
	return &speech.Capabilities{
		ASRModels:          map[string][]string{c.cfg.DefaultASRModel: {c.cfg.DefaultASRLanguage}},
		TTSModels:          map[string][]string{c.cfg.DefaultTTSModel: {c.cfg.DefaultTTSLanguage}},
		DefaultASRModel:    c.cfg.DefaultASRModel,
		DefaultASRLanguage: c.cfg.DefaultASRLanguage,
		DefaultTTSModel:    c.cfg.DefaultTTSModel,
		DefaultTTSLanguage: c.cfg.DefaultTTSLanguage,
	}
}

// normalize makes sure every default names a listed model and language.
// Configured defaults win when the listing contains them.
func (c *Catalog) normalize(caps *speech.Capabilities) *speech.Capabilities {
	if caps.ASRModels == nil {
		caps.ASRModels = map[string][]string{}
	}
	if caps.TTSModels == nil {
		caps.TTSModels = map[string][]string{}
	}
	caps.DefaultASRModel, caps.DefaultASRLanguage = pickDefault(caps.ASRModels,
		caps.DefaultASRModel, caps.DefaultASRLanguage, c.cfg.DefaultASRModel, c.cfg.DefaultASRLanguage)
	caps.DefaultTTSModel, caps.DefaultTTSLanguage = pickDefault(caps.TTSModels,
		caps.DefaultTTSModel, caps.DefaultTTSLanguage, c.cfg.DefaultTTSModel, c.cfg.DefaultTTSLanguage)
	return caps
}

func pickDefault(models map[string][]string, model, lang, cfgModel, cfgLang string) (string, string) {
	if _, ok := models[cfgModel]; ok {
		model, lang = cfgModel, cfgLang
	}
	if _, ok := models[model]; !ok {
		if len(models) == 0 {
			return cfgModel, cfgLang
		}
		names := make([]string, 0, len(models))
		for name := range models {
			names = append(names, name)
		}
		sort.Strings(names)
		model = names[0]
	}
	langs := models[model]
	for _, l := range langs {
		if l == lang {
			return model, lang
		}
	}
	if len(langs) > 0 {
		return model, langs[0]
	}
	return model, lang
}

// ResolveASR fills an empty model or language from the catalog defaults
func (c *Catalog) ResolveASR(ctx context.Context, model, language string) (string, string) {
	if model != "" && language != "" {
		return model, language
	}
	caps := c.Capabilities(ctx)
	if model == "" {
		model = caps.DefaultASRModel
	}
	if language == "" {
		language = caps.DefaultASRLanguage
	}
	return model, language
}

// ResolveTTS fills an empty voice or language from the catalog defaults
func (c *Catalog) ResolveTTS(ctx context.Context, voice, language string) (string, string) {
	if voice != "" && language != "" {
		return voice, language
	}
	caps := c.Capabilities(ctx)
	if voice == "" {
		voice = caps.DefaultTTSModel
	}
	if language == "" {
		language = caps.DefaultTTSLanguage
	}
	return voice, language
}

func clone(caps *speech.Capabilities) *speech.Capabilities {
	out := *caps
	out.ASRModels = cloneModels(caps.ASRModels)
	out.TTSModels = cloneModels(caps.TTSModels)
	return &out
}

func cloneModels(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
