package fileshare

import "fmt"

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// HumanSize formats a byte count with 1024 based units and one decimal,
// e.g. "0 B", "512.0 B", "1.5 KB".
func HumanSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(sizeUnits)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, sizeUnits[i])
}
