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

package catalog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

// ErrNoModels is returned when a source lists no recognition models
var ErrNoModels = errors.New("no ASR models listed")

// LoadModelsFile reads a models.json file
func LoadModelsFile(path string) (*speech.Capabilities, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var caps speech.Capabilities
	if err := json.NewDecoder(f).Decode(&caps); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if len(caps.ASRModels) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoModels)
	}
	return &caps, nil
}

// WriteModelsFile writes caps as indented JSON, replacing path atomically
func WriteModelsFile(path string, caps *speech.Capabilities) error {
	data, err := json.MarshalIndent(caps, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode models: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".models-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write models: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write models: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

var (
	// declare -A asr_models_languages_map
	declarePattern = regexp.MustCompile(`^\s*declare\s+-A\s+(asr|tts)_models_languages_map\b`)

	// asr_models_languages_map["conformer"]="en-US es-US" or ["conformer"]="en-US" inside a declare block
	mapEntryPattern = regexp.MustCompile(`^\s*(?:(asr|tts)_models_languages_map)?\["([^"]+)"\]="([^"]*)"`)

	// asr_acoustic_model=("conformer")
	selectionPattern = regexp.MustCompile(`^\s*(asr_acoustic_model|asr_language_code|tts_model|tts_language_code)=\(\s*"([^"]+)"`)
)

// ParseRivaConfigFile parses the config.sh at path
func ParseRivaConfigFile(path string) (*speech.Capabilities, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRivaConfig(f)
}

// ParseRivaConfig extracts the model/language maps and the selected models
// from a Riva quick start config.sh
func ParseRivaConfig(r io.Reader) (*speech.Capabilities, error) {
	caps := &speech.Capabilities{
		ASRModels: map[string][]string{},
		TTSModels: map[string][]string{},
	}

	block := ""
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			block = ""
			continue
		}

		if m := declarePattern.FindStringSubmatch(line); m != nil {
			block = m[1]
			continue
		}

		if m := mapEntryPattern.FindStringSubmatch(line); m != nil {
			kind := m[1]
			if kind == "" {
				kind = block
			}
			langs := strings.Fields(m[3])
			switch kind {
			case "asr":
				caps.ASRModels[m[2]] = langs
			case "tts":
				caps.TTSModels[m[2]] = langs
			}
			continue
		}
		block = ""

		if m := selectionPattern.FindStringSubmatch(line); m != nil {
			switch m[1] {
			case "asr_acoustic_model":
				caps.DefaultASRModel = m[2]
			case "asr_language_code":
				caps.DefaultASRLanguage = m[2]
			case "tts_model":
				caps.DefaultTTSModel = m[2]
			case "tts_language_code":
				caps.DefaultTTSLanguage = m[2]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read Riva config: %w", err)
	}

	if len(caps.ASRModels) == 0 {
		return nil, ErrNoModels
	}
	return caps, nil
}
