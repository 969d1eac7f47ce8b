package utils

import (
	"runtime/debug"

	"github.com/google/uuid"
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// NewUUID generates a new time-ordered UUID string.
func NewUUID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}

	panic("failed to generate UUID")
}

// GetVersionShort returns the VCS revision baked into the binary, or "dev".
func GetVersionShort() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}

	return "dev"
}
