// Package allowlist provides an exact-membership list loaded from YAML. The
// broker uses it to restrict which zones may be mirrored to the upstream CA.
package allowlist

import (
	"github.com/acmetk/acme-broker/strictyaml"
)

// List holds a unique collection of entries of type T. Membership is checked
// with Contains.
type List[T comparable] struct {
	members map[T]struct{}
}

// NewList returns a *List[T] populated with the provided members. Duplicate
// entries are collapsed.
func NewList[T comparable](members []T) *List[T] {
	l := &List[T]{members: make(map[T]struct{})}
	for _, m := range members {
		l.members[m] = struct{}{}
	}
	return l
}

// NewFromYAML builds a List from a YAML sequence of values of type T, such
// as a brokered-domains file of zone names.
func NewFromYAML[T comparable](data []byte) (*List[T], error) {
	var entries []T
	err := strictyaml.Unmarshal(data, &entries)
	if err != nil {
		return nil, err
	}
	return NewList(entries), nil
}

// Contains reports whether the provided entry is a member of the list.
func (l *List[T]) Contains(entry T) bool {
	_, ok := l.members[entry]
	return ok
}
