/*
Copyright (c) 2024 Loqa Labs

Licensed under the AGPLv3 License.
This file is part of the loqa-speech-relay.
*/

package riva

import (
	"fmt"
)

// wireMessage is implemented by every message exchanged with Riva
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire([]byte) error
}

// wireCodec serializes wireMessage values. It reports itself as "proto" so the
// content-subtype on the wire matches what Riva expects.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("riva codec: cannot marshal %T", v)
	}
	return msg.marshalWire(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("riva codec: cannot unmarshal into %T", v)
	}
	return msg.unmarshalWire(data)
}

func (wireCodec) Name() string {
	return "proto"
}
