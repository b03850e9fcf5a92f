package capture

import (
	"fmt"
	"time"
)

// FormatElapsed renders d as HH:MM:SS. Negative durations render as zero.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
