package queue

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const envelopeVersion = 1

var (
	errChecksum = errors.New("queue: checksum mismatch")
	errNoState  = errors.New("queue: no persisted state")
)

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Items    json.RawMessage `json:"items"`
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

func encode(items interface{}) ([]byte, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Version:  envelopeVersion,
		Checksum: checksum(raw),
		Items:    raw,
	})
}

func decode(data []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("queue: decode envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return fmt.Errorf("queue: unsupported envelope version %d", env.Version)
	}
	if checksum(env.Items) != env.Checksum {
		return errChecksum
	}
	if err := decodeNumbers(env.Items, out); err != nil {
		return fmt.Errorf("queue: decode items: %w", err)
	}
	return nil
}

// decodeNumbers keeps untyped numbers as json.Number so integers survive
// beyond 2^53.
func decodeNumbers(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// canonicalPayload returns a deep copy of p with every number as the value a
// reload produces: int64 when whole, float64 otherwise. Payloads that do not
// encode are returned as shallow copies.
func canonicalPayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	var out map[string]interface{}
	raw, err := json.Marshal(p)
	if err == nil {
		err = decodeNumbers(raw, &out)
	}
	if err != nil {
		out = make(map[string]interface{}, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	return resolveNumbers(out)
}

func resolveNumbers(p map[string]interface{}) map[string]interface{} {
	for k, v := range p {
		p[k] = resolveNumber(v)
	}
	return p
}

func resolveNumber(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		return resolveNumbers(t)
	case []interface{}:
		for i, e := range t {
			t[i] = resolveNumber(e)
		}
		return t
	}
	return v
}
