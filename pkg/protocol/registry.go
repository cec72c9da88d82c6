package protocol

import (
	"fmt"
	"strings"
)

// DefaultNamespace is the namespace of built-in registry entries.
const DefaultNamespace = "gs"

// RegistryName is a namespaced identifier ("ns:key") used for block types,
// custom stream types and datagram channels.
type RegistryName struct {
	Namespace string `cbor:"1,keyasint"`
	Key       string `cbor:"2,keyasint"`
}

// NewRegistryName validates and returns a RegistryName.
func NewRegistryName(ns, key string) (RegistryName, error) {
	n := RegistryName{Namespace: ns, Key: key}
	if err := n.Validate(); err != nil {
		return RegistryName{}, err
	}
	return n, nil
}

// MustRegistryName is like NewRegistryName but panics on invalid input.
// It is meant for names fixed at compile time.
func MustRegistryName(ns, key string) RegistryName {
	n, err := NewRegistryName(ns, key)
	if err != nil {
		panic(err)
	}
	return n
}

// ParseRegistryName parses "ns:key". A bare "key" uses DefaultNamespace.
func ParseRegistryName(s string) (RegistryName, error) {
	ns, key, found := strings.Cut(s, ":")
	if !found {
		ns, key = DefaultNamespace, s
	}
	return NewRegistryName(ns, key)
}

// String returns the name in "ns:key" form.
func (n RegistryName) String() string {
	return n.Namespace + ":" + n.Key
}

// IsZero reports whether the name is unset.
func (n RegistryName) IsZero() bool {
	return n.Namespace == "" && n.Key == ""
}

// Validate reports whether both parts match [a-z0-9_]+.
func (n RegistryName) Validate() error {
	if !validNamePart(n.Namespace) || !validNamePart(n.Key) {
		return fmt.Errorf("%w: %q", ErrInvalidRegistryName, n.String())
	}
	return nil
}

func validNamePart(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}
