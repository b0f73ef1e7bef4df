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
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire representations of the nvidia.riva.asr and nvidia.riva.tts messages
// the relay exchanges. Field numbers follow riva_asr.proto and riva_tts.proto.

type recognitionConfig struct {
	Encoding             int32
	SampleRateHertz      int32
	LanguageCode         string
	MaxAlternatives      int32
	AudioChannelCount    int32
	AutomaticPunctuation bool
	Model                string
}

func (m *recognitionConfig) marshalWire() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Encoding))
	b = appendVarintField(b, 2, uint64(m.SampleRateHertz))
	b = appendStringField(b, 3, m.LanguageCode)
	b = appendVarintField(b, 4, uint64(m.MaxAlternatives))
	b = appendVarintField(b, 7, uint64(m.AudioChannelCount))
	b = appendBoolField(b, 11, m.AutomaticPunctuation)
	b = appendStringField(b, 13, m.Model)
	return b
}

func (m *recognitionConfig) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(typ, b)
			m.Encoding = int32(v)
			return n
		case 2:
			v, n := consumeVarint(typ, b)
			m.SampleRateHertz = int32(v)
			return n
		case 3:
			v, n := consumeString(typ, b)
			m.LanguageCode = v
			return n
		case 4:
			v, n := consumeVarint(typ, b)
			m.MaxAlternatives = int32(v)
			return n
		case 7:
			v, n := consumeVarint(typ, b)
			m.AudioChannelCount = int32(v)
			return n
		case 11:
			v, n := consumeVarint(typ, b)
			m.AutomaticPunctuation = protowire.DecodeBool(v)
			return n
		case 13:
			v, n := consumeString(typ, b)
			m.Model = v
			return n
		}
		return 0
	})
}

type streamingRecognitionConfig struct {
	Config         *recognitionConfig
	InterimResults bool
}

func (m *streamingRecognitionConfig) marshalWire() []byte {
	var b []byte
	if m.Config != nil {
		b = appendMessageField(b, 1, m.Config.marshalWire())
	}
	b = appendBoolField(b, 2, m.InterimResults)
	return b
}

func (m *streamingRecognitionConfig) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeBytes(typ, b)
			if n <= 0 {
				return n
			}
			m.Config = &recognitionConfig{}
			if err := m.Config.unmarshalWire(v); err != nil {
				return -1
			}
			return n
		case 2:
			v, n := consumeVarint(typ, b)
			m.InterimResults = protowire.DecodeBool(v)
			return n
		}
		return 0
	})
}

// streamingRecognizeRequest carries either the config (first message) or audio
type streamingRecognizeRequest struct {
	StreamingConfig *streamingRecognitionConfig
	AudioContent    []byte
}

func (m *streamingRecognizeRequest) marshalWire() []byte {
	var b []byte
	if m.StreamingConfig != nil {
		return appendMessageField(b, 1, m.StreamingConfig.marshalWire())
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, m.AudioContent)
}

func (m *streamingRecognizeRequest) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeBytes(typ, b)
			if n <= 0 {
				return n
			}
			m.StreamingConfig = &streamingRecognitionConfig{}
			if err := m.StreamingConfig.unmarshalWire(v); err != nil {
				return -1
			}
			return n
		case 2:
			v, n := consumeBytes(typ, b)
			m.AudioContent = append([]byte(nil), v...)
			return n
		}
		return 0
	})
}

type recognizeRequest struct {
	Config *recognitionConfig
	Audio  []byte
}

func (m *recognizeRequest) marshalWire() []byte {
	var b []byte
	if m.Config != nil {
		b = appendMessageField(b, 1, m.Config.marshalWire())
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, m.Audio)
}

func (m *recognizeRequest) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeBytes(typ, b)
			if n <= 0 {
				return n
			}
			m.Config = &recognitionConfig{}
			if err := m.Config.unmarshalWire(v); err != nil {
				return -1
			}
			return n
		case 2:
			v, n := consumeBytes(typ, b)
			m.Audio = append([]byte(nil), v...)
			return n
		}
		return 0
	})
}

type recognitionAlternative struct {
	Transcript string
	Confidence float32
}

func (m *recognitionAlternative) marshalWire() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Transcript)
	b = appendFloatField(b, 2, m.Confidence)
	return b
}

func (m *recognitionAlternative) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(typ, b)
			m.Transcript = v
			return n
		case 2:
			v, n := consumeFloat(typ, b)
			m.Confidence = v
			return n
		}
		return 0
	})
}

// recognitionResult covers both SpeechRecognitionResult and
// StreamingRecognitionResult; the streaming-only fields stay zero for the former.
type recognitionResult struct {
	Alternatives []*recognitionAlternative
	IsFinal      bool
	Stability    float32
}

func (m *recognitionResult) marshalWire(streaming bool) []byte {
	var b []byte
	for _, alt := range m.Alternatives {
		b = appendMessageField(b, 1, alt.marshalWire())
	}
	if streaming {
		b = appendBoolField(b, 2, m.IsFinal)
		b = appendFloatField(b, 3, m.Stability)
	}
	return b
}

func (m *recognitionResult) unmarshalWire(b []byte, streaming bool) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1:
			v, n := consumeBytes(typ, b)
			if n <= 0 {
				return n
			}
			alt := &recognitionAlternative{}
			if err := alt.unmarshalWire(v); err != nil {
				return -1
			}
			m.Alternatives = append(m.Alternatives, alt)
			return n
		case num == 2 && streaming:
			v, n := consumeVarint(typ, b)
			m.IsFinal = protowire.DecodeBool(v)
			return n
		case num == 3 && streaming:
			v, n := consumeFloat(typ, b)
			m.Stability = v
			return n
		}
		return 0
	})
}

type recognizeResponse struct {
	Results []*recognitionResult
}

func (m *recognizeResponse) marshalWire() []byte {
	var b []byte
	for _, r := range m.Results {
		b = appendMessageField(b, 1, r.marshalWire(false))
	}
	return b
}

func (m *recognizeResponse) unmarshalWire(b []byte) error {
	return unmarshalResults(b, &m.Results, false)
}

type streamingRecognizeResponse struct {
	Results []*recognitionResult
}

func (m *streamingRecognizeResponse) marshalWire() []byte {
	var b []byte
	for _, r := range m.Results {
		b = appendMessageField(b, 1, r.marshalWire(true))
	}
	return b
}

func (m *streamingRecognizeResponse) unmarshalWire(b []byte) error {
	return unmarshalResults(b, &m.Results, true)
}

func unmarshalResults(b []byte, out *[]*recognitionResult, streaming bool) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return 0
		}
		v, n := consumeBytes(typ, b)
		if n <= 0 {
			return n
		}
		r := &recognitionResult{}
		if err := r.unmarshalWire(v, streaming); err != nil {
			return -1
		}
		*out = append(*out, r)
		return n
	})
}

// modelConfigRequest is shared by GetRivaSpeechRecognitionConfig and GetRivaSynthesisConfig
type modelConfigRequest struct {
	ModelName string
}

func (m *modelConfigRequest) marshalWire() []byte {
	return appendStringField(nil, 1, m.ModelName)
}

func (m *modelConfigRequest) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return 0
		}
		v, n := consumeString(typ, b)
		m.ModelName = v
		return n
	})
}

type modelConfig struct {
	ModelName  string
	Parameters map[string]string
}

type modelConfigResponse struct {
	ModelConfig []*modelConfig
}

func (m *modelConfigResponse) marshalWire() []byte {
	var b []byte
	for _, mc := range m.ModelConfig {
		var inner []byte
		inner = appendStringField(inner, 1, mc.ModelName)
		keys := make([]string, 0, len(mc.Parameters))
		for k := range mc.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var entry []byte
			entry = appendStringField(entry, 1, k)
			entry = appendStringField(entry, 2, mc.Parameters[k])
			inner = appendMessageField(inner, 2, entry)
		}
		b = appendMessageField(b, 1, inner)
	}
	return b
}

func (m *modelConfigResponse) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return 0
		}
		v, n := consumeBytes(typ, b)
		if n <= 0 {
			return n
		}
		mc := &modelConfig{Parameters: make(map[string]string)}
		err := walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				s, n := consumeString(typ, b)
				mc.ModelName = s
				return n
			case 2:
				entry, n := consumeBytes(typ, b)
				if n <= 0 {
					return n
				}
				var key, value string
				if err := walkFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch num {
					case 1:
						s, n := consumeString(typ, b)
						key = s
						return n
					case 2:
						s, n := consumeString(typ, b)
						value = s
						return n
					}
					return 0
				}); err != nil {
					return -1
				}
				mc.Parameters[key] = value
				return n
			}
			return 0
		})
		if err != nil {
			return -1
		}
		m.ModelConfig = append(m.ModelConfig, mc)
		return n
	})
}

type synthesizeSpeechRequest struct {
	Text         string
	LanguageCode string
	Encoding     int32
	SampleRateHz int32
	VoiceName    string
}

func (m *synthesizeSpeechRequest) marshalWire() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Text)
	b = appendStringField(b, 2, m.LanguageCode)
	b = appendVarintField(b, 3, uint64(m.Encoding))
	b = appendVarintField(b, 4, uint64(m.SampleRateHz))
	b = appendStringField(b, 5, m.VoiceName)
	return b
}

func (m *synthesizeSpeechRequest) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeString(typ, b)
			m.Text = v
			return n
		case 2:
			v, n := consumeString(typ, b)
			m.LanguageCode = v
			return n
		case 3:
			v, n := consumeVarint(typ, b)
			m.Encoding = int32(v)
			return n
		case 4:
			v, n := consumeVarint(typ, b)
			m.SampleRateHz = int32(v)
			return n
		case 5:
			v, n := consumeString(typ, b)
			m.VoiceName = v
			return n
		}
		return 0
	})
}

// synthesizeSpeechResponse is used for both Synthesize and SynthesizeOnline
type synthesizeSpeechResponse struct {
	Audio []byte
}

func (m *synthesizeSpeechResponse) marshalWire() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m.Audio)
}

func (m *synthesizeSpeechResponse) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return 0
		}
		v, n := consumeBytes(typ, b)
		m.Audio = append([]byte(nil), v...)
		return n
	})
}

// Encoding helpers. Zero values are omitted as in proto3.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// walkFields calls fn for every field in b. fn returns the number of bytes it
// consumed, 0 to skip an unknown field, or a negative value on malformed input.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, 0
	}
	return protowire.ConsumeVarint(b)
}

func consumeString(typ protowire.Type, b []byte) (string, int) {
	if typ != protowire.BytesType {
		return "", 0
	}
	return protowire.ConsumeString(b)
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int) {
	if typ != protowire.BytesType {
		return nil, 0
	}
	return protowire.ConsumeBytes(b)
}

func consumeFloat(typ protowire.Type, b []byte) (float32, int) {
	if typ != protowire.Fixed32Type {
		return 0, 0
	}
	v, n := protowire.ConsumeFixed32(b)
	return math.Float32frombits(v), n
}
