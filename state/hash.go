package state

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// HashTree computes the canonical hash of a state subtree: object keys
// are sorted recursively (list order is preserved), the tree is encoded
// as msgpack, and the digest is MD5. Nodes hash their own configuration
// the same way, so the two sides agree byte-for-byte and drift can be
// detected across processes.
func HashTree(v any) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	// Smallest-representation integers match what node-side packers emit.
	enc.UseCompactInts(true)
	if err := encodeCanonical(enc, v); err != nil {
		return "", fmt.Errorf("encode state for hashing: %w", err)
	}
	sum := md5.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// encodeCanonical writes a normalized tree in a deterministic msgpack
// form: map keys sorted, integers in the most compact representation,
// floats as 64-bit, strings in the str family.
func encodeCanonical(enc *msgpack.Encoder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := enc.EncodeMapLen(len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeCanonical(enc, t[k]); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if err := enc.EncodeArrayLen(len(t)); err != nil {
			return err
		}
		for _, item := range t {
			if err := encodeCanonical(enc, item); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return enc.EncodeNil()
	case bool:
		return enc.EncodeBool(t)
	case string:
		return enc.EncodeString(t)
	case int64:
		return enc.EncodeInt(t)
	case int:
		return enc.EncodeInt(int64(t))
	case float64:
		return enc.EncodeFloat64(t)
	default:
		return fmt.Errorf("cannot hash value of type %T", v)
	}
}
