package protocol

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// UniverseID identifies the single universe served by this protocol version.
var UniverseID = uuid.MustParse("05aaf964-aefa-49d0-9b6a-0aa376016ac2")

// RegistryIDMappingBundle assigns session-local integer ids to registry names.
// The three slices are parallel: entry i is Namespaces[i]:Keys[i] -> IDs[i].
type RegistryIDMappingBundle struct {
	Namespaces []string `cbor:"1,keyasint"`
	Keys       []string `cbor:"2,keyasint"`
	IDs        []uint32 `cbor:"3,keyasint"`
}

// Add appends one mapping. It does not validate.
func (b *RegistryIDMappingBundle) Add(name RegistryName, id uint32) {
	b.Namespaces = append(b.Namespaces, name.Namespace)
	b.Keys = append(b.Keys, name.Key)
	b.IDs = append(b.IDs, id)
}

// Len returns the number of entries, or -1 if the slices disagree.
func (b *RegistryIDMappingBundle) Len() int {
	if len(b.Namespaces) != len(b.Keys) || len(b.Keys) != len(b.IDs) {
		return -1
	}
	return len(b.IDs)
}

// Validate checks that the slices have equal length, every id is non-zero
// and unique, and every name is well formed and unique.
func (b *RegistryIDMappingBundle) Validate() error {
	_, err := b.Mapping()
	return err
}

// Mapping validates the bundle and returns it as a name to id map.
func (b *RegistryIDMappingBundle) Mapping() (map[RegistryName]uint32, error) {
	n := b.Len()
	if n < 0 {
		return nil, fmt.Errorf("%w: ns=%d key=%d id=%d",
			ErrMismatchedArrayLengths, len(b.Namespaces), len(b.Keys), len(b.IDs))
	}

	out := make(map[RegistryName]uint32, n)
	seen := make(map[uint32]RegistryName, n)
	for i := 0; i < n; i++ {
		name := RegistryName{Namespace: b.Namespaces[i], Key: b.Keys[i]}
		if err := name.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		id := b.IDs[i]
		if id == 0 {
			return nil, fmt.Errorf("entry %d (%s): %w", i, name, ErrIllegalID)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("entry %d (%s): %w: %d already used by %s", i, name, ErrDuplicateID, id, prev)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("entry %d: %w: %s", i, ErrDuplicateName, name)
		}
		seen[id] = name
		out[name] = id
	}
	return out, nil
}

// BundleFromMapping builds a bundle ordered by id.
func BundleFromMapping(m map[RegistryName]uint32) RegistryIDMappingBundle {
	names := make([]RegistryName, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m[names[i]] < m[names[j]]
	})

	b := RegistryIDMappingBundle{
		Namespaces: make([]string, 0, len(names)),
		Keys:       make([]string, 0, len(names)),
		IDs:        make([]uint32, 0, len(names)),
	}
	for _, name := range names {
		b.Add(name, m[name])
	}
	return b
}

// GameBootstrapData is delivered once after authentication succeeds.
type GameBootstrapData struct {
	UniverseID    uuid.UUID               `cbor:"1,keyasint"`
	BlockRegistry RegistryIDMappingBundle `cbor:"2,keyasint"`
}
