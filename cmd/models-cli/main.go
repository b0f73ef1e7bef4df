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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-speech-relay/internal/catalog"
	"github.com/loqalabs/loqa-speech-relay/internal/riva"
	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

const (
	defaultRivaServer = "localhost:50051"
	defaultModelsFile = "models.json"
)

func main() {
	var (
		rivaServer = flag.String("riva", getEnv("RIVA_SERVER", defaultRivaServer), "Riva server address (host:port)")
		useTLS     = flag.Bool("tls", false, "Connect to Riva over TLS")
		caCert     = flag.String("ca", "", "CA certificate for TLS connections")
		configFile = flag.String("config", getEnv("RIVA_CONFIG_FILE", ""), "Parse a Riva quick start config.sh instead of querying the server")
		output     = flag.String("output", getEnv("MODELS_FILE", defaultModelsFile), "Where to write models.json")
		timeout    = flag.Duration("timeout", 10*time.Second, "Timeout for the capability query")
		format     = flag.String("format", "table", "Output format: table, json")
		dryRun     = flag.Bool("dry-run", false, "Print the listing without writing models.json")
	)
	flag.Parse()

	caps, source, err := loadCapabilities(*configFile, riva.Config{
		Address:    *rivaServer,
		UseTLS:     *useTLS,
		CACertFile: *caCert,
		Timeout:    *timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := printCapabilities(os.Stdout, caps, *format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *dryRun {
		return
	}

	if err := catalog.WriteModelsFile(*output, caps); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s (%d ASR models, %d TTS voices, from %s)\n",
		*output, len(caps.ASRModels), len(caps.TTSModels), source)
}

// loadCapabilities parses configFile when given, otherwise asks the server
func loadCapabilities(configFile string, cfg riva.Config) (*speech.Capabilities, string, error) {
	if configFile != "" {
		caps, err := catalog.ParseRivaConfigFile(configFile)
		if err != nil {
			return nil, "", err
		}
		return caps, configFile, nil
	}

	client, err := riva.NewClient(cfg)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	caps, err := client.ListCapabilities(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query %s: %w", cfg.Address, err)
	}
	if len(caps.ASRModels) == 0 {
		return nil, "", fmt.Errorf("%s: %w", cfg.Address, catalog.ErrNoModels)
	}
	return caps, cfg.Address, nil
}

func printCapabilities(out io.Writer, caps *speech.Capabilities, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(caps)
	case "table":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tMODEL\tLANGUAGES\tDEFAULT")
		writeModels(w, "asr", caps.ASRModels, caps.DefaultASRModel)
		writeModels(w, "tts", caps.TTSModels, caps.DefaultTTSModel)
		return w.Flush()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writeModels(w io.Writer, kind string, models map[string][]string, defaultModel string) {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mark := ""
		if name == defaultModel {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kind, name, strings.Join(models[name], ", "), mark)
	}
}

func getEnv(key string, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
