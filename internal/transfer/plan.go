package transfer

import (
	"errors"
	"fmt"
)

var ErrBadPlan = errors.New("plan does not cover payload")

// Range is a contiguous byte range [Offset, Offset+Length) of a payload.
type Range struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// End returns the exclusive end offset.
func (r Range) End() int { return r.Offset + r.Length }

// Plan splits length bytes into n contiguous ranges starting at 0. Range
// lengths differ by at most one; the first length%n ranges carry the extra
// byte. n below 1 is treated as 1 and negative lengths as 0.
func Plan(length, n int) []Range {
	if n < 1 {
		n = 1
	}
	if length < 0 {
		length = 0
	}
	base := length / n
	rem := length % n
	ranges := make([]Range, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		ranges[i] = Range{Offset: offset, Length: size}
		offset += size
	}
	return ranges
}

// Verify checks that plan tiles [0, length) with contiguous ranges whose
// lengths differ by at most one.
func Verify(plan []Range, length int) error {
	if len(plan) == 0 {
		return fmt.Errorf("%w: no ranges", ErrBadPlan)
	}
	offset := 0
	minLen, maxLen := plan[0].Length, plan[0].Length
	for i, r := range plan {
		if r.Offset != offset || r.Length < 0 {
			return fmt.Errorf("%w: range %d is %+v, want offset %d", ErrBadPlan, i, r, offset)
		}
		offset = r.End()
		minLen = min(minLen, r.Length)
		maxLen = max(maxLen, r.Length)
	}
	if offset != length {
		return fmt.Errorf("%w: ranges end at %d, payload is %d bytes", ErrBadPlan, offset, length)
	}
	if maxLen-minLen > 1 {
		return fmt.Errorf("%w: range lengths vary from %d to %d", ErrBadPlan, minLen, maxLen)
	}
	return nil
}
