package uir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"
)

// StableHash computes the canonical digest of a UIR document: null
// values dropped, job.created_at removed (top-level job block only),
// keys sorted, compact separators, non-ASCII escaped, SHA-256 over the
// result. Two documents differing only in key order or job.created_at
// hash identically.
func StableHash(doc map[string]any) (string, error) {
	clean, ok := stripNulls(doc).(map[string]any)
	if !ok {
		clean = map[string]any{}
	}
	if job, ok := clean["job"].(map[string]any); ok {
		delete(job, "created_at")
	}
	payload, err := appendCanonical(nil, clean)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// stripNulls returns a deep copy of v with null map values removed.
func stripNulls(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			out[k] = stripNulls(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripNulls(item)
		}
		return out
	default:
		return v
	}
}

// appendCanonical serializes v as canonical JSON: object keys in
// lexicographic order, no insignificant whitespace, all non-ASCII
// runes escaped.
func appendCanonical(dst []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(dst, "null"...), nil
	case bool:
		return strconv.AppendBool(dst, val), nil
	case string:
		return appendASCIIString(dst, val), nil
	case json.Number:
		return append(dst, val.String()...), nil
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(dst, raw...), nil
	case []any:
		dst = append(dst, '[')
		for i, item := range val {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			dst, err = appendCanonical(dst, item)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendASCIIString(dst, k)
			dst = append(dst, ':')
			var err error
			dst, err = appendCanonical(dst, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	default:
		return nil, fmt.Errorf("uir: cannot canonicalize value of type %T", v)
	}
}

func appendASCIIString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for _, r := range s {
		switch r {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if r < 0x20 || r > 0x7e {
				if r > 0xffff {
					hi, lo := utf16.EncodeRune(r)
					dst = appendEscapedRune(dst, hi)
					dst = appendEscapedRune(dst, lo)
				} else {
					dst = appendEscapedRune(dst, r)
				}
				continue
			}
			dst = append(dst, byte(r))
		}
	}
	return append(dst, '"')
}

func appendEscapedRune(dst []byte, r rune) []byte {
	const hexDigits = "0123456789abcdef"
	return append(dst, '\\', 'u',
		hexDigits[r>>12&0xf],
		hexDigits[r>>8&0xf],
		hexDigits[r>>4&0xf],
		hexDigits[r&0xf])
}
