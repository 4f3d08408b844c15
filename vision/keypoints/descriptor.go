package keypoints

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/pkg/errors"
)

// BRIEFWords is the number of 64 bit words in a 256 bit BRIEF descriptor.
const BRIEFWords = 4

// Descriptor is a binary feature descriptor packed into 64 bit words, least significant bit first.
type Descriptor []uint64

// Descriptors is a set of descriptors, one per keypoint.
type Descriptors []Descriptor

// Bits returns the number of bits held by the descriptor.
func (d Descriptor) Bits() int {
	return 64 * len(d)
}

// Bit returns the i-th bit.
func (d Descriptor) Bit(i int) bool {
	return d[i/64]&(1<<(uint(i)%64)) != 0
}

// SetBit sets the i-th bit.
func (d Descriptor) SetBit(i int, value bool) {
	if value {
		d[i/64] |= 1 << (uint(i) % 64)
	} else {
		d[i/64] &^= 1 << (uint(i) % 64)
	}
}

// Equal reports whether two descriptors hold the same bits.
func (d Descriptor) Equal(other Descriptor) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	out := make(Descriptor, len(d))
	copy(out, d)
	return out
}

// String prints the bits from the most significant word down, which is how bitset-style
// descriptors are usually printed.
func (d Descriptor) String() string {
	var sb strings.Builder
	for i := len(d) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%064b", d[i])
	}
	return sb.String()
}

// HammingDistance returns the number of differing bits between two descriptors of equal length.
func HammingDistance(d1, d2 Descriptor) (int, error) {
	if len(d1) != len(d2) {
		return 0, errors.Errorf("descriptors must have same length, got %d and %d words", len(d1), len(d2))
	}
	dist := 0
	for i := range d1 {
		dist += bits.OnesCount64(d1[i] ^ d2[i])
	}
	return dist, nil
}

// DescriptorsHammingDistance computes the pairwise distances between 2 descriptor sets.
func DescriptorsHammingDistance(descs1, descs2 Descriptors) ([][]int, error) {
	distances := make([][]int, len(descs1))
	for i, d1 := range descs1 {
		distances[i] = make([]int, len(descs2))
		for j, d2 := range descs2 {
			dist, err := HammingDistance(d1, d2)
			if err != nil {
				return nil, err
			}
			distances[i][j] = dist
		}
	}
	return distances, nil
}
