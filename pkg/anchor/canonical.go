package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// CanonicalBytes serializes a payload to RFC 8785 (JCS) canonical JSON.
// String values are NFC-normalized first so visually identical unicode
// spellings hash identically regardless of which reporter produced them.
func CanonicalBytes(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	normalized, err := json.Marshal(normalizeStrings(decoded))
	if err != nil {
		return nil, fmt.Errorf("re-marshal: %w", err)
	}

	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("jcs transform: %w", err)
	}
	return canonical, nil
}

func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeStrings(val)
		}
		return t
	default:
		return v
	}
}

// HashPayload returns "sha256:<hex>" of the canonical form of payload.
func HashPayload(payload any) (string, error) {
	canonical, err := CanonicalBytes(payload)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
