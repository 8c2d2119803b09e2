package localstore

import (
	"encoding/json"
	"fmt"
)

// Migration upgrades the data of one stored shape from version N to N+1.
type Migration func(json.RawMessage) (json.RawMessage, error)

// Codec is the versioned encode/decode pair for one stored shape. Records
// are written as {"shape":..., "v":N, "data":...}. Bare JSON written before
// envelopes existed decodes as version 0.
type Codec[T any] struct {
	Shape      string
	Version    int
	Migrations map[int]Migration
}

// JSONCodec is a version 1 codec with no migrations.
func JSONCodec[T any](shape string) Codec[T] {
	return Codec[T]{Shape: shape, Version: 1}
}

type envelope struct {
	Shape   string          `json:"shape"`
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

func (c Codec[T]) Encode(value T) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", c.Shape, err)
	}
	out, err := json.Marshal(envelope{Shape: c.Shape, Version: c.Version, Data: data})
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", c.Shape, err)
	}
	return string(out), nil
}

func (c Codec[T]) Decode(raw string) (T, error) {
	var zero T

	version, data, err := c.unwrap(raw)
	if err != nil {
		return zero, err
	}
	if version > c.Version {
		return zero, fmt.Errorf("decode %s: stored version %d is newer than %d", c.Shape, version, c.Version)
	}
	for v := version; v < c.Version; v++ {
		migrate, ok := c.Migrations[v]
		if !ok {
			continue
		}
		data, err = migrate(data)
		if err != nil {
			return zero, fmt.Errorf("migrate %s v%d: %w", c.Shape, v, err)
		}
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, fmt.Errorf("decode %s: %w", c.Shape, err)
	}
	return value, nil
}

func (c Codec[T]) unwrap(raw string) (int, json.RawMessage, error) {
	if !json.Valid([]byte(raw)) {
		return 0, nil, fmt.Errorf("decode %s: invalid json", c.Shape)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err == nil {
		_, hasShape := fields["shape"]
		_, hasVersion := fields["v"]
		_, hasData := fields["data"]
		if hasShape && hasVersion && hasData {
			var env envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				return 0, nil, fmt.Errorf("decode %s envelope: %w", c.Shape, err)
			}
			if env.Shape != c.Shape {
				return 0, nil, fmt.Errorf("decode %s: stored shape is %q", c.Shape, env.Shape)
			}
			return env.Version, env.Data, nil
		}
	}
	return 0, json.RawMessage(raw), nil
}
