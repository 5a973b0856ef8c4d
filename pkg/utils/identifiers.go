package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ShortID returns an 8-character unique identifier, enough to tell mailbox
// items and runs apart in logs without the full UUID noise.
func ShortID() string {
	return uuid.New().String()[:8]
}

// RunID returns a sortable run identifier like "run-20240311-143022-a1b2c3d4".
func RunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), ShortID())
}
