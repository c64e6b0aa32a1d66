package domain

import "time"

// Debouncer coalesces repeated actions scheduled under the same key.
type Debouncer interface {
	Schedule(key string, delay time.Duration, action func())
	Wait(key string)
}
