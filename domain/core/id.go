package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// artifactNamespace scopes name-based artifact ids.
var artifactNamespace = uuid.MustParse("6f1c2b8e-5d43-4c1e-9a7f-3b2e8d41c0a5")

// ID represents a domain identifier
type ID string

// NewContentID derives a stable identifier from a content hash (UUID v5).
// Identical artifacts therefore carry identical ids.
func NewContentID(h Hash) ID {
	return ID(uuid.NewSHA1(artifactNamespace, []byte(h)).String())
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsEmpty checks if the ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// ChannelName names one channel of a card.
type ChannelName string

// ParseChannelName validates a channel name
func ParseChannelName(s string) (ChannelName, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: channel name cannot be empty", ErrConfiguration)
	}
	if strings.ContainsAny(s, " \t/") {
		return "", fmt.Errorf("%w: channel name %q contains whitespace or '/'", ErrConfiguration, s)
	}
	return ChannelName(s), nil
}

func (n ChannelName) String() string { return string(n) }
