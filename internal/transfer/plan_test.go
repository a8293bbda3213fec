package transfer

import (
	"errors"
	"reflect"
	"testing"
)

func TestPlan_Scenario(t *testing.T) {
	got := Plan(10, 3)
	want := []Range{{0, 4}, {4, 3}, {7, 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Plan(10, 3) = %v, want %v", got, want)
	}
}

func TestPlan_Properties(t *testing.T) {
	for n := 1; n <= 12; n++ {
		for length := 0; length <= 257; length++ {
			ranges := Plan(length, n)
			if len(ranges) != n {
				t.Fatalf("Plan(%d, %d) returned %d ranges", length, n, len(ranges))
			}
			sum, offset := 0, 0
			minLen, maxLen := ranges[0].Length, ranges[0].Length
			for i, r := range ranges {
				if r.Offset != offset {
					t.Fatalf("Plan(%d, %d)[%d].Offset = %d, want %d", length, n, i, r.Offset, offset)
				}
				wantLen := length / n
				if i < length%n {
					wantLen++
				}
				if r.Length != wantLen {
					t.Fatalf("Plan(%d, %d)[%d].Length = %d, want %d", length, n, i, r.Length, wantLen)
				}
				offset = r.End()
				sum += r.Length
				if r.Length < minLen {
					minLen = r.Length
				}
				if r.Length > maxLen {
					maxLen = r.Length
				}
			}
			if sum != length {
				t.Fatalf("Plan(%d, %d) covers %d bytes", length, n, sum)
			}
			if maxLen-minLen > 1 {
				t.Fatalf("Plan(%d, %d) lengths differ by %d", length, n, maxLen-minLen)
			}
		}
	}
}

func TestPlan_Degenerate(t *testing.T) {
	if got := Plan(5, 0); len(got) != 1 || got[0] != (Range{0, 5}) {
		t.Errorf("Plan(5, 0) = %v", got)
	}
	if got := Plan(-3, 2); got[0] != (Range{0, 0}) || got[1] != (Range{0, 0}) {
		t.Errorf("Plan(-3, 2) = %v", got)
	}
	if got := Plan(2, 4); !reflect.DeepEqual(got, []Range{{0, 1}, {1, 1}, {2, 0}, {2, 0}}) {
		t.Errorf("Plan(2, 4) = %v", got)
	}
}

func TestTargets(t *testing.T) {
	seg := SegmentTargets(10, 3)
	if seg[2] != (Range{7, 3}) {
		t.Errorf("SegmentTargets[2] = %v", seg[2])
	}
	full, err := FullTargets(10, 3)
	if err != nil {
		t.Fatalf("FullTargets error = %v", err)
	}
	if len(full) != 3 {
		t.Fatalf("FullTargets = %v", full)
	}
	for i := 0; i < 3; i++ {
		if full[i] != (Range{0, 10}) {
			t.Errorf("FullTargets[%d] = %v", i, full[i])
		}
	}
}

func TestVerify(t *testing.T) {
	for _, tc := range []struct {
		length, n int
	}{{10, 3}, {0, 4}, {2, 4}, {1 << 20, 10}} {
		if err := Verify(Plan(tc.length, tc.n), tc.length); err != nil {
			t.Errorf("Verify(Plan(%d, %d)) = %v", tc.length, tc.n, err)
		}
	}

	bad := map[string][]Range{
		"empty":  nil,
		"gap":    {{0, 4}, {5, 3}, {8, 2}},
		"short":  {{0, 4}, {4, 3}},
		"uneven": {{0, 8}, {8, 1}, {9, 1}},
	}
	for name, plan := range bad {
		if err := Verify(plan, 10); !errors.Is(err, ErrBadPlan) {
			t.Errorf("%s: Verify error = %v, want ErrBadPlan", name, err)
		}
	}
}
