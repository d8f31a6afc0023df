// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"math/bits"
)

// BitArray is a set of small non-negative integers, used for apid subscriptions
type BitArray []uint64

// NewBitArray returns a BitArray able to hold 0..count-1
func NewBitArray(count int) *BitArray {
	if count <= 0 {
		r := BitArray(make([]uint64, 0))
		return &r
	}
	r := BitArray(make([]uint64, (count+63)/64))
	return &r
}

// SetBit adds pos to the set
func (b BitArray) SetBit(pos int) error {
	cell, mask, ok := b.locate(pos)
	if !ok {
		return fmt.Errorf("bit position out-of-range: %d", pos)
	}
	b[cell] |= mask
	return nil
}

// ClearBit removes pos from the set
func (b BitArray) ClearBit(pos int) error {
	cell, mask, ok := b.locate(pos)
	if !ok {
		return fmt.Errorf("bit position out-of-range: %d", pos)
	}
	b[cell] &^= mask
	return nil
}

// GetBit reports whether pos is in the set. Out-of-range positions are never set.
func (b BitArray) GetBit(pos int) bool {
	cell, mask, ok := b.locate(pos)
	return ok && b[cell]&mask != 0
}

// OrInto adds every member of o to b, ignoring members beyond b's capacity
func (b BitArray) OrInto(o BitArray) {
	n := min(len(b), len(o))
	for i := 0; i < n; i++ {
		b[i] |= o[i]
	}
}

// IsZero reports whether the set is empty
func (b BitArray) IsZero() bool {
	for _, cell := range b {
		if cell != 0 {
			return false
		}
	}
	return true
}

// Copy returns an independent copy
func (b BitArray) Copy() *BitArray {
	r := BitArray(make([]uint64, len(b)))
	copy(r, b)
	return &r
}

// BitCount returns the number of members
func (b BitArray) BitCount() int {
	count := 0
	for _, cell := range b {
		count += bits.OnesCount64(cell)
	}
	return count
}

// Members lists the set in increasing order
func (b BitArray) Members() []int {
	members := make([]int, 0, b.BitCount())
	for i, cell := range b {
		for cell != 0 {
			bit := bits.TrailingZeros64(cell)
			members = append(members, i*64+bit)
			cell &= cell - 1
		}
	}
	return members
}

func (b BitArray) locate(pos int) (int, uint64, bool) {
	if pos < 0 || pos/64 >= len(b) {
		return 0, 0, false
	}
	return pos / 64, 1 << (uint(pos) % 64), true
}
