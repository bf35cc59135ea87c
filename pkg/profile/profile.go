package profile

import (
	"maps"
	"slices"
)

// UnitProfile holds the hotness of the methods of a single compilation
// unit. Only methods with non-zero hotness are stored.
type UnitProfile struct {
	id         UnitID
	numMethods uint32
	methods    map[uint32]Hotness
}

func newUnitProfile(id UnitID, numMethods uint32) *UnitProfile {
	return &UnitProfile{
		id:         id,
		numMethods: numMethods,
		methods:    make(map[uint32]Hotness),
	}
}

func (u *UnitProfile) ID() UnitID         { return u.id }
func (u *UnitProfile) NumMethods() uint32 { return u.numMethods }

// Len returns the number of methods with recorded hotness.
func (u *UnitProfile) Len() int { return len(u.methods) }

func (u *UnitProfile) Hotness(index uint32) (Hotness, bool) {
	h, ok := u.methods[index]
	return h, ok
}

// Add merges h into the hotness of the method at index.
func (u *UnitProfile) Add(index uint32, h Hotness) error {
	if index >= u.numMethods {
		return ErrMethodIndexOutOfRange
	}
	if !h.Flags.Valid() {
		return ErrInvalidFlags
	}
	if h.IsZero() {
		return nil
	}
	u.methods[index] = u.methods[index].Add(h)
	return nil
}

// Indices returns the method indices in ascending order.
func (u *UnitProfile) Indices() []uint32 {
	return slices.Sorted(maps.Keys(u.methods))
}

// Range calls fn for every method in ascending index order.
func (u *UnitProfile) Range(fn func(index uint32, h Hotness) bool) {
	for _, idx := range u.Indices() {
		if !fn(idx, u.methods[idx]) {
			return
		}
	}
}

func (u *UnitProfile) clone() *UnitProfile {
	c := newUnitProfile(u.id, u.numMethods)
	maps.Copy(c.methods, u.methods)
	return c
}

// Profile is a set of unit profiles written for either the boot image or
// an application. Units are kept ordered by UnitID.
type Profile struct {
	forBootImage bool
	units        []*UnitProfile
}

func New(forBootImage bool) *Profile {
	return &Profile{forBootImage: forBootImage}
}

func (p *Profile) ForBootImage() bool { return p.forBootImage }

// Units returns the unit profiles ordered by UnitID. The slice must not
// be modified.
func (p *Profile) Units() []*UnitProfile { return p.units }

func (p *Profile) IsEmpty() bool {
	for _, u := range p.units {
		if u.Len() > 0 {
			return false
		}
	}
	return true
}

// NumMethods returns the total number of methods with recorded hotness.
func (p *Profile) NumMethods() int {
	var n int
	for _, u := range p.units {
		n += u.Len()
	}
	return n
}

func (p *Profile) search(id UnitID) (int, bool) {
	return slices.BinarySearchFunc(p.units, id, func(u *UnitProfile, id UnitID) int {
		return u.id.Compare(id)
	})
}

func (p *Profile) Unit(id UnitID) (*UnitProfile, bool) {
	i, ok := p.search(id)
	if !ok {
		return nil, false
	}
	return p.units[i], true
}

// AddUnit returns the profile of the unit, creating it if absent. A unit
// that already exists with a different method count is rejected.
func (p *Profile) AddUnit(id UnitID, numMethods uint32) (*UnitProfile, error) {
	i, ok := p.search(id)
	if ok {
		u := p.units[i]
		if u.numMethods != numMethods {
			return nil, ErrUnitMismatch
		}
		return u, nil
	}
	u := newUnitProfile(id, numMethods)
	p.units = slices.Insert(p.units, i, u)
	return u, nil
}

// AddMethod merges h into the hotness of the method identified by key.
// The unit must already be present.
func (p *Profile) AddMethod(key MethodKey, h Hotness) error {
	u, ok := p.Unit(key.Unit)
	if !ok {
		return ErrUnknownUnit
	}
	return u.Add(key.Index, h)
}

// Hotness returns the hotness of the method, if it is present.
func (p *Profile) Hotness(key MethodKey) (Hotness, bool) {
	u, ok := p.Unit(key.Unit)
	if !ok {
		return Hotness{}, false
	}
	return u.Hotness(key.Index)
}

// Contains reports whether the method has any recorded hotness,
// regardless of whether it is hot.
func (p *Profile) Contains(key MethodKey) bool {
	_, ok := p.Hotness(key)
	return ok
}

func (p *Profile) Clone() *Profile {
	c := &Profile{forBootImage: p.forBootImage}
	if len(p.units) > 0 {
		c.units = make([]*UnitProfile, len(p.units))
		for i, u := range p.units {
			c.units[i] = u.clone()
		}
	}
	return c
}

// Equal reports whether both profiles have the same mode and content.
func (p *Profile) Equal(other *Profile) bool {
	if p.forBootImage != other.forBootImage || len(p.units) != len(other.units) {
		return false
	}
	for i, u := range p.units {
		o := other.units[i]
		if u.id != o.id || u.numMethods != o.numMethods || !maps.Equal(u.methods, o.methods) {
			return false
		}
	}
	return true
}
