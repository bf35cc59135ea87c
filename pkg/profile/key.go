package profile

import (
	"cmp"
	"fmt"
)

// UnitID identifies a compilation unit by its location and content
// checksum. A unit that moves keeps its profile as long as the content
// is unchanged; a unit rebuilt in place gets a new identity.
type UnitID struct {
	Location string `yaml:"location"`
	Checksum uint32 `yaml:"checksum"`
}

func (id UnitID) String() string {
	return fmt.Sprintf("%s!%08x", id.Location, id.Checksum)
}

// Compare orders unit identities by location, then checksum.
func (id UnitID) Compare(other UnitID) int {
	if c := cmp.Compare(id.Location, other.Location); c != 0 {
		return c
	}
	return cmp.Compare(id.Checksum, other.Checksum)
}

// MethodKey is the lookup key of a method: the unit it belongs to and
// its index within the unit.
type MethodKey struct {
	Unit  UnitID
	Index uint32
}

func (k MethodKey) String() string {
	return fmt.Sprintf("%s#%d", k.Unit, k.Index)
}
