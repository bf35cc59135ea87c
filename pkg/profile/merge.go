package profile

import (
	"maps"
)

// Merge combines two profiles of the same mode into a new one. Sample
// counts of methods present in both are summed, flags are united, and
// units present in only one of the profiles are carried over. Neither
// input is modified.
func Merge(base, incoming *Profile) (*Profile, error) {
	if base.forBootImage != incoming.forBootImage {
		return nil, ErrModeMismatch
	}
	out := &Profile{forBootImage: base.forBootImage}
	if n := len(base.units) + len(incoming.units); n > 0 {
		out.units = make([]*UnitProfile, 0, n)
	}
	// Both unit lists are ordered: a single merge pass keeps the
	// result ordered as well.
	a, b := base.units, incoming.units
	for len(a) > 0 || len(b) > 0 {
		switch {
		case len(b) == 0:
			out.units = append(out.units, a[0].clone())
			a = a[1:]
		case len(a) == 0:
			out.units = append(out.units, b[0].clone())
			b = b[1:]
		default:
			switch c := a[0].id.Compare(b[0].id); {
			case c < 0:
				out.units = append(out.units, a[0].clone())
				a = a[1:]
			case c > 0:
				out.units = append(out.units, b[0].clone())
				b = b[1:]
			default:
				u, err := mergeUnits(a[0], b[0])
				if err != nil {
					return nil, err
				}
				out.units = append(out.units, u)
				a, b = a[1:], b[1:]
			}
		}
	}
	if len(out.units) == 0 {
		out.units = nil
	}
	return out, nil
}

func mergeUnits(a, b *UnitProfile) (*UnitProfile, error) {
	if a.numMethods != b.numMethods {
		return nil, ErrUnitMismatch
	}
	u := newUnitProfile(a.id, a.numMethods)
	maps.Copy(u.methods, a.methods)
	for idx, h := range b.methods {
		u.methods[idx] = u.methods[idx].Add(h)
	}
	return u, nil
}

// MergeInto merges src into dst in place. dst is left unchanged if an
// error is returned.
func MergeInto(dst, src *Profile) error {
	if dst.forBootImage != src.forBootImage {
		return ErrModeMismatch
	}
	for _, su := range src.units {
		if du, ok := dst.Unit(su.id); ok && du.numMethods != su.numMethods {
			return ErrUnitMismatch
		}
	}
	for _, su := range src.units {
		du, _ := dst.AddUnit(su.id, su.numMethods)
		for idx, h := range su.methods {
			du.methods[idx] = du.methods[idx].Add(h)
		}
	}
	return nil
}
