package prompt

import (
	"math"
	"strconv"
	"strings"
)

var compactUnits = []struct {
	size   uint64
	suffix string
}{
	{1_000, "K"},
	{1_000_000, "M"},
	{1_000_000_000, "B"},
}

// FormatCompactNumber renders counts for display: 999, 1.2K, 3.4M, 1B.
// A value that rounds up to 1000 of one unit is shown in the next unit.
func FormatCompactNumber(n int) string {
	sign := ""
	magnitude := uint64(n)
	if n < 0 {
		sign = "-"
		// -(n+1) cannot overflow, even for math.MinInt.
		magnitude = uint64(-(n + 1)) + 1
	}

	unit := -1
	for i := range compactUnits {
		if magnitude >= compactUnits[i].size {
			unit = i
		}
	}
	if unit < 0 {
		return sign + strconv.FormatUint(magnitude, 10)
	}

	tenths := math.Round(float64(magnitude) / float64(compactUnits[unit].size) * 10)
	if tenths >= 10_000 && unit+1 < len(compactUnits) {
		unit++
		tenths = math.Round(float64(magnitude) / float64(compactUnits[unit].size) * 10)
	}
	text := strconv.FormatFloat(tenths/10, 'f', 1, 64)
	text = strings.TrimSuffix(text, ".0")
	return sign + text + compactUnits[unit].suffix
}
