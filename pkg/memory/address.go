// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import "fmt"

// An Address is a location in the inspected process's address space.
type Address uint64

// Sub subtracts b from a. Requires a >= b.
func (a Address) Sub(b Address) uint64 {
	return uint64(a - b)
}

// Add adds x to address a.
func (a Address) Add(x uint64) Address {
	return a + Address(x)
}

// Max returns the larger of a and b.
func (a Address) Max(b Address) Address {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func (a Address) Min(b Address) Address {
	if a < b {
		return a
	}
	return b
}

// Align rounds a up to a multiple of x.
// x must be a power of 2.
func (a Address) Align(x uint64) Address {
	if x == 0 {
		return a
	}
	return (a + Address(x) - 1) & ^(Address(x) - 1)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// A Range is the half-open address interval [Start, End).
type Range struct {
	Start Address
	End   Address
}

func (r Range) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End.Sub(r.Start)
}

func (r Range) Empty() bool {
	return r.End <= r.Start
}

func (r Range) Contains(a Address) bool {
	return a >= r.Start && a < r.End
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Covers reports whether o lies entirely inside r.
func (r Range) Covers(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%s-%s", r.Start, r.End)
}
