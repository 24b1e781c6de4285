// Package space implements the N-dimensional index spaces (N<=3) that LAIK
// partitionings are defined over: indices, half-open ranges, named spaces,
// and the process-wide space registry.
package space

import "fmt"

// MaxDims is the largest dimensionality a Space or Range may have.
const MaxDims = 3

// Index is a tuple of up to MaxDims signed coordinates. The dimension is not
// stored on the Index itself; it is carried by the owning Range or Space.
type Index [MaxDims]int64

// string renders idx using only the first n coordinates.
func (idx Index) string(n int) string {
	switch n {
	case 1:
		return fmt.Sprintf("[%d]", idx[0])
	case 2:
		return fmt.Sprintf("[%d,%d]", idx[0], idx[1])
	default:
		return fmt.Sprintf("[%d,%d,%d]", idx[0], idx[1], idx[2])
	}
}

// compare returns -1, 0 or 1 comparing idx and other lexicographically over
// the first n coordinates.
func (idx Index) compare(other Index, n int) int {
	for i := 0; i < n; i++ {
		if idx[i] != other[i] {
			if idx[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
