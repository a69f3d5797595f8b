package random

import "math/bits"

// Romu is the RomuDuoJr generator. It is small, fast and good enough for
// mutation decisions; it is not meant for anything security related.
type Romu struct {
	x, y uint64
}

// NewRomu creates a generator from the full 128 bit state.
func NewRomu(x, y uint64) *Romu {
	return &Romu{x: x, y: y}
}

// NewRomuFromSeed expands a single 64 bit seed into a generator state.
func NewRomuFromSeed(seed uint64) *Romu {
	return NewRomu(seed, seed^0xec77152282650854)
}

// Uint64 returns the next value of the stream.
func (r *Romu) Uint64() uint64 {
	xp := r.x
	r.x = 15241094284759029579 * r.y
	r.y = bits.RotateLeft64(r.y-xp, 27)
	return xp
}

// State returns the current state so a stream can be reproduced later.
func (r *Romu) State() (uint64, uint64) {
	return r.x, r.y
}
