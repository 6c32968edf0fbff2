// Package accounts implements the identity, permission and bandwidth model
// every repository operation is gated by.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hydrusnetwork/tagrepo/internal/content"
)

// PermissionLevel orders what an account type may do with a content type.
// Each level satisfies every check below it.
type PermissionLevel int

const (
	// PermissionNone grants nothing.
	PermissionNone PermissionLevel = iota
	// PermissionPetition allows proposing changes for moderation.
	PermissionPetition
	// PermissionCreate allows committing changes directly.
	PermissionCreate
	// PermissionOverrule allows resolving petitions and administering
	// other accounts.
	PermissionOverrule
)

var permissionNames = map[PermissionLevel]string{
	PermissionNone:     "none",
	PermissionPetition: "petition",
	PermissionCreate:   "create",
	PermissionOverrule: "overrule",
}

// ErrUnknownPermission indicates a name that does not parse to a level.
var ErrUnknownPermission = errors.New("accounts: unknown permission level")

// String returns the wire name of the level.
func (l PermissionLevel) String() string {
	if name, ok := permissionNames[l]; ok {
		return name
	}
	return fmt.Sprintf("permission(%d)", int(l))
}

// ParsePermissionLevel resolves a wire name back to the enum value.
func ParsePermissionLevel(name string) (PermissionLevel, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for level, candidate := range permissionNames {
		if candidate == trimmed {
			return level, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPermission, name)
}

// PermissionMap is a fixed-size permission matrix indexed by content type,
// so permission lookups are exhaustive over the closed enum rather than
// keyed into a dynamic dictionary.
type PermissionMap [content.NumContentTypes]PermissionLevel

// Level returns the granted level for a content type, folding the single-row
// mapping type into the batch type.
func (m PermissionMap) Level(contentType content.ContentType) PermissionLevel {
	normalized := contentType.Normalized()
	if !normalized.Valid() {
		return PermissionNone
	}
	return m[normalized]
}

// Satisfies reports whether the map grants at least the requested level for
// the content type.
func (m PermissionMap) Satisfies(contentType content.ContentType, level PermissionLevel) bool {
	return m.Level(contentType) >= level
}

// MarshalJSON encodes the matrix keyed by content-type names.
func (m PermissionMap) MarshalJSON() ([]byte, error) {
	wire := make(map[string]string, content.NumContentTypes)
	for i := content.ContentType(0); i < content.NumContentTypes; i++ {
		if m[i] != PermissionNone {
			wire[i.String()] = m[i].String()
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a name-keyed matrix; absent types stay at none.
func (m *PermissionMap) UnmarshalJSON(data []byte) error {
	var wire map[string]string
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var decoded PermissionMap
	for typeName, levelName := range wire {
		contentType, err := content.ParseContentType(typeName)
		if err != nil {
			return err
		}
		level, err := ParsePermissionLevel(levelName)
		if err != nil {
			return err
		}
		decoded[contentType.Normalized()] = level
	}
	*m = decoded
	return nil
}
