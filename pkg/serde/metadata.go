package serde

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aretw0/waypoint/pkg/domain"
)

// EncodeMetadata JSON-encodes every leaf of m, keeping nested maps as maps
// so stores can address them by dotted key.
func EncodeMetadata(m domain.Metadata) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		enc, err := EncodeMetadataValue(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// EncodeMetadataValue encodes one metadata value the way EncodeMetadata does.
func EncodeMetadataValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return EncodeMetadata(val)
	case domain.Metadata:
		return EncodeMetadata(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			enc, err := EncodeMetadataValue(s)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DecodeMetadata reverses EncodeMetadata. Leaves that are not valid JSON are
// returned as-is.
func DecodeMetadata(enc map[string]any) domain.Metadata {
	out := make(domain.Metadata, len(enc))
	for k, v := range enc {
		out[k] = decodeMetadataValue(v)
	}
	return out
}

func decodeMetadataValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(DecodeMetadata(val))
	case string:
		var out any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return val
		}
		return out
	}
	return v
}

// Lookup resolves a dotted key inside encoded metadata.
func Lookup(enc map[string]any, dotted string) (any, bool) {
	var cur any = enc
	for _, part := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// MatchMetadata reports whether encoded metadata satisfies every dotted-key
// filter, comparing encoded values for exact equality.
func MatchMetadata(enc map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := Lookup(enc, k)
		if !ok {
			return false
		}
		wantEnc, err := EncodeMetadataValue(want)
		if err != nil {
			return false
		}
		if !equalEncoded(got, wantEnc) {
			return false
		}
	}
	return true
}

func equalEncoded(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok != bok {
		return false
	}
	if !aok {
		return a == b
	}
	if len(am) != len(bm) {
		return false
	}
	for k, av := range am {
		bv, ok := bm[k]
		if !ok || !equalEncoded(av, bv) {
			return false
		}
	}
	return true
}
