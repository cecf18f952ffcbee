package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed random id such as "sos_3f2a...".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
