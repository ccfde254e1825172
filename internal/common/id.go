package common

import (
	"github.com/google/uuid"
)

// NewSavedSearchID generates a unique saved search ID with the "ss_" prefix
func NewSavedSearchID() string {
	return "ss_" + uuid.New().String()
}

// NewScanID generates a correlation ID for one scan
func NewScanID() string {
	return "scan_" + uuid.New().String()
}
