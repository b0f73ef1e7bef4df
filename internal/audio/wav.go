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

// Package audio parses and builds the WAV containers that wrap the raw PCM
// exchanged with the speech backend.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/loqalabs/loqa-speech-relay/internal/speech"
)

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE

	// HeaderSize is the size of the canonical 44-byte PCM header
	HeaderSize = 44

	// unknownSize marks the RIFF and data lengths of a header written before
	// the total length is known
	unknownSize = 0xFFFFFFFF
)

// Format describes the PCM layout declared in a WAV fmt chunk
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// WAV is a decoded container: its format and the raw sample bytes
type WAV struct {
	Format Format
	Data   []byte
}

// IsWAV reports whether data starts with a RIFF/WAVE signature
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV walks the RIFF chunks of data and returns the PCM payload.
// Chunks other than fmt and data (LIST, fact, ...) are skipped. Only integer
// PCM is accepted.
func DecodeWAV(data []byte) (*WAV, error) {
	if !IsWAV(data) {
		return nil, fmt.Errorf("missing RIFF/WAVE signature: %w", speech.ErrInvalidInput)
	}

	var (
		w      WAV
		gotFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		// Streaming writers leave the data length unset
		if end > len(data) || end < body {
			if id != "data" {
				return nil, fmt.Errorf("truncated %q chunk: %w", id, speech.ErrInvalidInput)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short (%d bytes): %w", size, speech.ErrInvalidInput)
			}
			tag := binary.LittleEndian.Uint16(data[body : body+2])
			if tag != formatPCM && tag != formatExtensible {
				return nil, fmt.Errorf("unsupported WAV format tag %d: %w", tag, speech.ErrInvalidInput)
			}
			w.Format = Format{
				Channels:      int(binary.LittleEndian.Uint16(data[body+2 : body+4])),
				SampleRate:    int(binary.LittleEndian.Uint32(data[body+4 : body+8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(data[body+14 : body+16])),
			}
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, fmt.Errorf("data chunk before fmt chunk: %w", speech.ErrInvalidInput)
			}
			w.Data = data[body:end]
			if err := w.Format.validate(); err != nil {
				return nil, err
			}
			return &w, nil
		}

		// Chunks are word aligned
		pos = end + size%2
	}

	return nil, fmt.Errorf("no data chunk found: %w", speech.ErrInvalidInput)
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid WAV sample rate %d: %w", f.SampleRate, speech.ErrInvalidInput)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid WAV channel count %d: %w", f.Channels, speech.ErrInvalidInput)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("only 16-bit PCM is supported, got %d bits: %w", f.BitsPerSample, speech.ErrInvalidInput)
	}
	return nil
}

// MonoPCM returns the samples as 16-bit mono, averaging channels when needed
func (w *WAV) MonoPCM() []byte {
	if w.Format.Channels <= 1 {
		return w.Data
	}

	frame := 2 * w.Format.Channels
	frames := len(w.Data) / frame
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < w.Format.Channels; ch++ {
			off := i*frame + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(w.Data[off : off+2])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/w.Format.Channels))) //nolint:gosec // G115: average of int16 values
	}
	return out
}

// EncodeWAV wraps 16-bit mono PCM in a canonical 44-byte header
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(pcm))
	writeHeader(&buf, sampleRate, uint32(len(pcm))) //nolint:gosec // G115: bounded by upload limits
	buf.Write(pcm)
	return buf.Bytes()
}

// StreamingHeader returns a header for 16-bit mono PCM of unknown length,
// suitable for chunked responses. Players treat the max sizes as "until EOF".
func StreamingHeader(sampleRate int) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, sampleRate, unknownSize)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, sampleRate int, dataSize uint32) {
	const (
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)

	riffSize := uint32(unknownSize)
	if dataSize != unknownSize {
		riffSize = 36 + dataSize
	}

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(formatPCM))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))            //nolint:gosec // G115: validated by config
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*blockAlign)) //nolint:gosec // G115: validated by config
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataSize)
}

// Duration returns the playback length of 16-bit mono PCM in seconds
func Duration(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(pcm)/2) / float64(sampleRate)
}
