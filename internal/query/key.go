package query

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Key identifies one cached query by value: the resource name plus the
// normalized subscription parameters. Two keys built from maps with equal
// contents compare equal regardless of insertion order.
type Key struct {
	resource  string
	canonical string
}

// NewKey normalizes params into a canonical key. Parameters with empty values
// are dropped so an unset filter and an absent filter share a cache entry.
func NewKey(resource string, params map[string]string) Key {
	names := make([]string, 0, len(params))
	for name, value := range params {
		if strings.TrimSpace(value) == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(resource)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}
	return Key{resource: resource, canonical: b.String()}
}

// Resource returns the resource component of the key.
func (k Key) Resource() string { return k.resource }

// String returns the canonical representation used for cache lookups, prefix
// matching, and persistence.
func (k Key) String() string { return k.canonical }

// Hash computes a deterministic FNV-1a digest of the canonical key, suitable
// for compact external storage keys.
func (k Key) Hash() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.canonical))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Prefix selects every cache entry whose canonical key starts with it. A bare
// resource name matches all parameterizations of that resource.
type Prefix string

// Matches reports whether the key falls under the prefix.
func (p Prefix) Matches(k Key) bool {
	return strings.HasPrefix(k.canonical, string(p))
}
