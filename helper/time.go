package helper

import (
	"fmt"
	"time"
)

// FormatTTL renders a remaining lifetime the way token listings show it.
// Anything at or below zero is "expired".
func FormatTTL(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	if d.Hours() >= 24 {
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
	if d.Hours() >= 1 {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	if d.Minutes() >= 1 {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	if d.Seconds() >= 1 {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.String()
}
