// Package format renders byte sizes and counts for human consumption in
// CLI output.
package format

import "fmt"

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
)

func HumanBytes(b int64) string {
	switch {
	case b >= GigaByte:
		return fmt.Sprintf("%.1f GB", float64(b)/GigaByte)
	case b >= MegaByte:
		return fmt.Sprintf("%.1f MB", float64(b)/MegaByte)
	case b >= KiloByte:
		return fmt.Sprintf("%.1f KB", float64(b)/KiloByte)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func HumanNumber(b uint64) string {
	const (
		Thousand = 1000
		Million  = Thousand * 1000
		Billion  = Million * 1000
	)

	switch {
	case b >= Billion:
		return fmt.Sprintf("%.1fB", float64(b)/Billion)
	case b >= Million:
		return fmt.Sprintf("%.1fM", float64(b)/Million)
	case b >= Thousand:
		return fmt.Sprintf("%.1fK", float64(b)/Thousand)
	default:
		return fmt.Sprintf("%d", b)
	}
}
