package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a cached query: an operation name plus the canonical
// encoding of its parameters. Keys are comparable and usable as map keys.
// Two keys are equal iff the operation matches and the parameter mappings
// are deeply equal after canonicalization.
type Key struct {
	op        string
	canonical string
	hash      uint64
}

// MakeKey builds the Key for an operation and its parameters. Mapping keys
// are sorted recursively, nil values normalize to a single null sentinel,
// and slices keep their order (a list of selected groups is order
// significant). A nil parameter map and an empty one produce the same Key.
func MakeKey(op string, params map[string]any) Key {
	canonical := string(appendCanonicalMap(make([]byte, 0, 64), params))
	return Key{
		op:        op,
		canonical: canonical,
		hash:      xxhash.Sum64String(op + "\x00" + canonical),
	}
}

// Operation returns the operation name the key was built from.
func (k Key) Operation() string { return k.op }

// Canonical returns the canonical parameter encoding.
func (k Key) Canonical() string { return k.canonical }

// Hash returns a 64-bit digest of the key, suitable for compact log fields
// and metric attributes.
func (k Key) Hash() uint64 { return k.hash }

// IsZero reports whether the key was never built via MakeKey.
func (k Key) IsZero() bool { return k == Key{} }

func (k Key) String() string {
	return fmt.Sprintf("%s#%016x", k.op, k.hash)
}

func appendCanonicalMap(buf []byte, m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, strconv.Quote(k)...)
		buf = append(buf, ':')
		buf = appendCanonical(buf, m[k])
	}
	return append(buf, '}')
}

func appendCanonical(buf []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...)
	case map[string]any:
		return appendCanonicalMap(buf, val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return appendCanonicalMap(buf, m)
	case []any:
		buf = append(buf, '[')
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, e)
		}
		return append(buf, ']')
	case []string:
		buf = append(buf, '[')
		for i, s := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, strconv.Quote(s)...)
		}
		return append(buf, ']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			// Unencodable values (channels, funcs) fall back to their
			// fmt representation so MakeKey never fails.
			return append(buf, strconv.Quote(fmt.Sprintf("%v", val))...)
		}
		return append(buf, b...)
	}
}
