package format

import "fmt"

// HumanNumber renders a count with a metric suffix, typically model
// parameter counts: 512 stays "512", 74690560 becomes "74.7M".
func HumanNumber(n uint64) string {
	scales := []struct {
		value  uint64
		suffix string
	}{
		{1e12, "T"},
		{1e9, "B"},
		{1e6, "M"},
		{1e3, "K"},
	}

	for _, s := range scales {
		if n < s.value {
			continue
		}

		scaled := float64(n) / float64(s.value)
		switch {
		case scaled >= 100:
			return fmt.Sprintf("%.0f%s", scaled, s.suffix)
		case scaled >= 10:
			return fmt.Sprintf("%.1f%s", scaled, s.suffix)
		default:
			return fmt.Sprintf("%.2f%s", scaled, s.suffix)
		}
	}

	return fmt.Sprintf("%d", n)
}
