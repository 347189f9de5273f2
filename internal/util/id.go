package util

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable id, optionally prefixed. Ids created
// later sort after ids created earlier, which keeps message logs ordered
// even when two rows share a timestamp.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewConnectionID returns a random id for a live transport connection.
func NewConnectionID() string {
	return "conn_" + uuid.NewString()
}

// NewRequestID returns a random id for tracing an HTTP request.
func NewRequestID() string {
	return uuid.NewString()
}
