package profile

import (
	"math"
	"strings"
)

type Flags uint8

const (
	FlagHot Flags = 1 << iota
	FlagStartup
	FlagPostStartup

	flagsMask = FlagHot | FlagStartup | FlagPostStartup
)

func (f Flags) IsHot() bool         { return f&FlagHot != 0 }
func (f Flags) IsStartup() bool     { return f&FlagStartup != 0 }
func (f Flags) IsPostStartup() bool { return f&FlagPostStartup != 0 }

// Valid reports whether f only carries known flag bits.
func (f Flags) Valid() bool { return f&^flagsMask == 0 }

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var b strings.Builder
	if f.IsHot() {
		b.WriteByte('H')
	}
	if f.IsStartup() {
		b.WriteByte('S')
	}
	if f.IsPostStartup() {
		b.WriteByte('P')
	}
	return b.String()
}

// Hotness is the aggregated state of a single method: the number of
// observed samples and the flags set for it. The two are independent: a
// method may be marked hot without a single sample.
type Hotness struct {
	Samples uint64
	Flags   Flags
}

func (h Hotness) IsZero() bool { return h.Samples == 0 && h.Flags == 0 }

// Add combines two hotness values: sample counts are summed and
// saturate at math.MaxUint64, flags are united.
func (h Hotness) Add(other Hotness) Hotness {
	return Hotness{
		Samples: addSaturating(h.Samples, other.Samples),
		Flags:   h.Flags | other.Flags,
	}
}

func addSaturating(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return math.MaxUint64
}
