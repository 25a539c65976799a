package cache

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Codec serializes cache payloads. One codec is registered per
// data-type string at startup; the string is only an index into the
// table, never a trigger for runtime type inspection.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}

// CodecRegistry maps data-type names to codecs. Lookup for an
// unregistered type falls back to JSON.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewCodecRegistry returns an empty registry (JSON fallback for all).
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: make(map[string]Codec)}
}

// Register binds a codec to a data type. Last registration wins.
func (r *CodecRegistry) Register(dataType string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[dataType] = codec
}

// Lookup returns the codec for a data type, defaulting to JSON.
func (r *CodecRegistry) Lookup(dataType string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.codecs[dataType]; ok {
		return c
	}
	return JSONCodec{}
}
