package ghcn

import (
	"fmt"
	"strings"
)

// dlyLine builds a full 31-day record. Days beyond len(values) are missing;
// qflags maps a 1-based day to its quality flag.
func dlyLine(station string, year, month int, element string, values []int, qflags map[int]byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-11s%04d%02d%-4s", station, year, month, element)
	for day := 1; day <= DaysPerLine; day++ {
		v := MissingValue
		if day <= len(values) {
			v = values[day-1]
		}
		q := byte(' ')
		if f, ok := qflags[day]; ok {
			q = f
		}
		fmt.Fprintf(&b, "%5d %c ", v, q)
	}
	return b.String()
}

// constant returns n copies of v.
func constant(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}
