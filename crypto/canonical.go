// Package crypto provides the hashing and signing primitives shared by the
// relayer: canonical JSON encoding, content identifiers, the Ethereum
// personal-sign envelope, and conversation/session identifiers.
package crypto

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// DecodeJSON decodes raw JSON while preserving number literals, so that a
// decode/encode round trip through CanonicalJSON is byte-stable.
func DecodeJSON(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "could not decode JSON")
	}
	return v, nil
}

// CanonicalJSON encodes a value deterministically: object keys sorted
// lexically at every level, minimal separators, no HTML escaping. Two
// semantically equal documents always encode to the same bytes, which is what
// makes content identifiers stable across nodes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeJSONString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Fall back to the standard encoder for scalar types that did not
		// come through DecodeJSON (ints, floats from native callers).
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return errors.Wrapf(err, "could not encode value of type %T", val)
		}
		// Encode appends a newline; strip it to keep separators minimal.
		buf.Truncate(buf.Len() - 1)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return errors.Wrap(err, "could not encode string")
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}
