package storage

import (
	"bytes"
	"net/url"
	"strings"
)

// Separator splits the components of a Key.
const Separator = '/'

// Bounds of the prefix range derived from a key. Every byte a path component
// is expected to start with lies between them.
const (
	rangeLow  = 0x01
	rangeHigh = 0x7E
)

// Key is a hierarchical, '/'-separated byte string. Keys order lexicographically.
type Key []byte

// NewKey joins components into a normalized key ("/a/b/").
func NewKey(components ...string) Key {
	k := Key{Separator}
	for _, c := range components {
		k = k.Append(c)
	}
	return k
}

// Append returns a copy of k (normalized) with component added and a trailing separator.
func (k Key) Append(component string) Key {
	base := k.Normalize()
	out := make(Key, 0, len(base)+len(component)+1)
	out = append(out, base...)
	out = append(out, component...)
	return append(out, Separator)
}

// Normalize returns k with a leading and a trailing separator.
func (k Key) Normalize() Key {
	out := make(Key, 0, len(k)+2)
	if len(k) == 0 || k[0] != Separator {
		out = append(out, Separator)
	}
	out = append(out, k...)
	if out[len(out)-1] != Separator {
		out = append(out, Separator)
	}
	return out
}

// Components splits k into its non-empty path components.
func (k Key) Components() []string {
	parts := strings.Split(string(k), string(Separator))
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PrefixRange returns the inclusive bounds [k·\x01, k·\x7E] covering every key
// that extends the normalized k by at least one component byte.
func (k Key) PrefixRange() (lo, hi Key) {
	base := k.Normalize()
	lo = append(append(make(Key, 0, len(base)+1), base...), rangeLow)
	hi = append(append(make(Key, 0, len(base)+1), base...), rangeHigh)
	return lo, hi
}

// HasPrefix reports whether k starts with prefix.
func (k Key) HasPrefix(prefix Key) bool {
	return bytes.HasPrefix(k, prefix)
}

// TrimPrefix returns k without prefix, or k unchanged when it does not start with it.
func (k Key) TrimPrefix(prefix Key) Key {
	return bytes.TrimPrefix(k, prefix)
}

// Compare orders keys byte-lexicographically.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Equal reports whether both keys hold the same bytes.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// Clone returns a copy that does not alias k.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	return append(Key(nil), k...)
}

func (k Key) String() string {
	return string(k)
}

// MarshalText lets keys travel as plain strings in JSON.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	*k = append((*k)[:0], text...)
	return nil
}

// EscapeComponent percent-encodes s for use as a single key component. The
// result holds no separator and every byte lies between rangeLow and rangeHigh
// exclusive, so the component always falls inside its parent's PrefixRange.
func EscapeComponent(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "~", "%7E")
}

// UnescapeComponent reverses EscapeComponent.
func UnescapeComponent(s string) (string, error) {
	return url.PathUnescape(s)
}
