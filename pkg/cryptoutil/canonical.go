// Copyright 2025 Aura Protocol
//
// Canonical serialization and hashing shared across the journal, tree, and
// DKG packages. Adapted from the validator's RFC8785-ish deterministic JSON
// canonicalizer: deterministic key order, stable array order.

package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/aura-fabric/coord-core/pkg/ids"
)

// CanonicalJSON marshals v to JSON and canonicalizes key order recursively,
// giving byte-identical output for structurally-identical values regardless
// of map iteration or struct field order seen upstream.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalize(decoded))
}

func canonicalize(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(vv))
		for _, k := range keys {
			ordered = append(ordered, kv{k, canonicalize(vv[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return vv
	}
}

// kv / orderedMap preserve the sorted key order through json.Marshal, since
// a plain Go map would re-randomize iteration order.
type kv struct {
	Key   string
	Value interface{}
}

type orderedMap []kv

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Hash returns the SHA-256 digest of concatenated parts.
func Hash(parts ...[]byte) ids.Hash32 {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out ids.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// HashCanonical canonically-serializes v and hashes the result, the
// universal building block for fact ids, context commitments, and tree
// root commitments.
func HashCanonical(v interface{}) (ids.Hash32, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return ids.Hash32{}, err
	}
	return Hash(canon), nil
}

// HashHex is a convenience wrapper returning the hex string of Hash.
func HashHex(parts ...[]byte) string {
	h := Hash(parts...)
	return hex.EncodeToString(h[:])
}
