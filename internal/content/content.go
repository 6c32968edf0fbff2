// Package content defines the typed units of repository change: the Content
// tagged union, the ContentUpdate bundle a client submits, and the Petition
// envelope the moderation workflow resolves.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ContentType enumerates the kinds of repository data a change can target.
type ContentType int

const (
	// TypeAccounts covers account administration permissions. It never
	// appears inside a Content payload.
	TypeAccounts ContentType = iota
	// TypeFiles is a set of file hashes held by a file repository.
	TypeFiles
	// TypeMapping is a single (tag, hash) association.
	TypeMapping
	// TypeMappings is a (tag, hash-list) association batch.
	TypeMappings
	// TypeTagParents is an imply relationship between two tags.
	TypeTagParents
	// TypeTagSiblings is a replace relationship between two tags.
	TypeTagSiblings

	// NumContentTypes sizes permission matrices indexed by ContentType.
	NumContentTypes
)

const (
	siblingVirtualWeight = 5
	// Parent edits imply cascading mapping duplication, so they cost far
	// more than the single row they describe.
	parentVirtualWeight = 5000
)

var contentTypeNames = [NumContentTypes]string{
	TypeAccounts:    "accounts",
	TypeFiles:       "files",
	TypeMapping:     "mapping",
	TypeMappings:    "mappings",
	TypeTagParents:  "tag_parents",
	TypeTagSiblings: "tag_siblings",
}

// ErrInvalidContent indicates a Content constructor received unusable input.
var ErrInvalidContent = errors.New("content: invalid content")

// ErrUnknownContentType indicates a name that does not parse to a ContentType.
var ErrUnknownContentType = errors.New("content: unknown content type")

// String returns the wire name of the content type.
func (t ContentType) String() string {
	if t < 0 || t >= NumContentTypes {
		return fmt.Sprintf("content_type(%d)", int(t))
	}
	return contentTypeNames[t]
}

// Valid reports whether the value is a member of the closed enum.
func (t ContentType) Valid() bool {
	return t >= 0 && t < NumContentTypes
}

// Normalized folds the single-row mapping type into the batch type, which is
// the granularity permissions are granted at.
func (t ContentType) Normalized() ContentType {
	if t == TypeMapping {
		return TypeMappings
	}
	return t
}

// ParseContentType resolves a wire name back to the enum value.
func ParseContentType(name string) (ContentType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range contentTypeNames {
		if candidate == trimmed {
			return ContentType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownContentType, name)
}

// Content is an immutable unit of proposed or applied repository change. The
// payload interpretation depends on Type: a hash list for files, a tag plus
// hash list for mappings, and an (old, new) tag pair for parents and
// siblings.
type Content struct {
	contentType ContentType
	tag         string
	otherTag    string
	hashes      []string
}

// NewFiles builds a file-set content payload.
func NewFiles(hashes []string) (Content, error) {
	if len(hashes) == 0 {
		return Content{}, fmt.Errorf("%w: file content requires at least one hash", ErrInvalidContent)
	}
	return Content{contentType: TypeFiles, hashes: cloneHashes(hashes)}, nil
}

// NewMapping builds a single (tag, hash) mapping payload.
func NewMapping(tag, hash string) (Content, error) {
	if strings.TrimSpace(tag) == "" || strings.TrimSpace(hash) == "" {
		return Content{}, fmt.Errorf("%w: mapping requires tag and hash", ErrInvalidContent)
	}
	return Content{contentType: TypeMapping, tag: tag, hashes: []string{hash}}, nil
}

// NewMappings builds a (tag, hash-list) mapping batch payload.
func NewMappings(tag string, hashes []string) (Content, error) {
	if strings.TrimSpace(tag) == "" {
		return Content{}, fmt.Errorf("%w: mappings require a tag", ErrInvalidContent)
	}
	if len(hashes) == 0 {
		return Content{}, fmt.Errorf("%w: mappings require at least one hash", ErrInvalidContent)
	}
	return Content{contentType: TypeMappings, tag: tag, hashes: cloneHashes(hashes)}, nil
}

// NewTagParent builds a parent payload implying childTag onto parentTag.
func NewTagParent(childTag, parentTag string) (Content, error) {
	return newTagPair(TypeTagParents, childTag, parentTag)
}

// NewTagSibling builds a sibling payload replacing oldTag with newTag.
func NewTagSibling(oldTag, newTag string) (Content, error) {
	return newTagPair(TypeTagSiblings, oldTag, newTag)
}

func newTagPair(contentType ContentType, oldTag, newTag string) (Content, error) {
	if strings.TrimSpace(oldTag) == "" || strings.TrimSpace(newTag) == "" {
		return Content{}, fmt.Errorf("%w: %s requires two tags", ErrInvalidContent, contentType)
	}
	if oldTag == newTag {
		return Content{}, fmt.Errorf("%w: %s tags must differ", ErrInvalidContent, contentType)
	}
	return Content{contentType: contentType, tag: oldTag, otherTag: newTag}, nil
}

// Type returns the union arm.
func (c Content) Type() ContentType {
	return c.contentType
}

// Tag returns the tag for mapping payloads and the old tag for pair payloads.
func (c Content) Tag() string {
	return c.tag
}

// OldTag returns the replaced or child tag of a pair payload.
func (c Content) OldTag() string {
	return c.tag
}

// NewTag returns the replacement or parent tag of a pair payload.
func (c Content) NewTag() string {
	return c.otherTag
}

// Hashes returns a copy of the hash payload.
func (c Content) Hashes() []string {
	return cloneHashes(c.hashes)
}

// VirtualWeight is the relative cost of the payload: one per mapping or file
// hash, five per sibling, five thousand per parent.
func (c Content) VirtualWeight() int {
	switch c.contentType {
	case TypeFiles, TypeMapping, TypeMappings:
		return len(c.hashes)
	case TypeTagSiblings:
		return siblingVirtualWeight
	case TypeTagParents:
		return parentVirtualWeight
	default:
		return 0
	}
}

type contentWire struct {
	Type   string   `json:"type"`
	Tag    string   `json:"tag,omitempty"`
	NewTag string   `json:"new_tag,omitempty"`
	Hashes []string `json:"hashes,omitempty"`
}

// MarshalJSON encodes the union as a self-describing wire tuple.
func (c Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(contentWire{
		Type:   c.contentType.String(),
		Tag:    c.tag,
		NewTag: c.otherTag,
		Hashes: c.hashes,
	})
}

// UnmarshalJSON decodes and validates a wire tuple.
func (c *Content) UnmarshalJSON(data []byte) error {
	var wire contentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	contentType, err := ParseContentType(wire.Type)
	if err != nil {
		return err
	}
	decoded, err := FromWire(contentType, wire.Tag, wire.NewTag, wire.Hashes)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// FromWire rebuilds a validated Content from its logical wire fields.
func FromWire(contentType ContentType, tag, newTag string, hashes []string) (Content, error) {
	switch contentType {
	case TypeFiles:
		return NewFiles(hashes)
	case TypeMapping:
		if len(hashes) != 1 {
			return Content{}, fmt.Errorf("%w: mapping requires exactly one hash", ErrInvalidContent)
		}
		return NewMapping(tag, hashes[0])
	case TypeMappings:
		return NewMappings(tag, hashes)
	case TypeTagParents:
		return NewTagParent(tag, newTag)
	case TypeTagSiblings:
		return NewTagSibling(tag, newTag)
	default:
		return Content{}, fmt.Errorf("%w: %s carries no payload", ErrInvalidContent, contentType)
	}
}

func cloneHashes(hashes []string) []string {
	if hashes == nil {
		return nil
	}
	cloned := make([]string, len(hashes))
	copy(cloned, hashes)
	return cloned
}
