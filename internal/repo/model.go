// Package repo implements the repository core: the durable content tables
// with their shadow states, the permission-gated update dispatch, the
// moderation engine, and the sealing of accepted rows into immutable update
// packages.
package repo

import (
	"fmt"
)

// Status tracks where a content row sits in the moderation lifecycle.
type Status int

const (
	// StatusCurrent rows are live, accepted content.
	StatusCurrent Status = iota
	// StatusPending rows await moderation before becoming current.
	StatusPending
	// StatusPetitioned rows are current rows carrying a removal petition.
	StatusPetitioned
	// StatusDeleted rows were current and have been removed.
	StatusDeleted
)

var statusNames = map[Status]string{
	StatusCurrent:    "current",
	StatusPending:    "pending",
	StatusPetitioned: "petitioned",
	StatusDeleted:    "deleted",
}

// String returns the symbolic name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MappingRow is one (tag, hash) association with its moderation state. One
// row exists per (service, tag, hash); the status column moves it between
// current, pending, petitioned and deleted, so a row can never be pending
// and petitioned at once.
type MappingRow struct {
	ID            uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ServiceKey    string `gorm:"column:service_key;size:64;not null;uniqueIndex:idx_mappings_svc_tag_hash,priority:1"`
	Tag           string `gorm:"column:tag;size:190;not null;uniqueIndex:idx_mappings_svc_tag_hash,priority:2"`
	Hash          string `gorm:"column:hash;size:64;not null;uniqueIndex:idx_mappings_svc_tag_hash,priority:3"`
	Status        Status `gorm:"column:status;not null;index:idx_mappings_status"`
	AccountKey    string `gorm:"column:account_key;size:64;not null"`
	PetitionerKey string `gorm:"column:petitioner_key;size:64;not null;default:''"`
	Reason        string `gorm:"column:reason;type:text;not null;default:''"`
	CreatedAt     int64  `gorm:"column:created_at_s;not null"`
	CommittedAt   int64  `gorm:"column:committed_at_s;not null;default:0;index:idx_mappings_committed"`
	DeletedAt     int64  `gorm:"column:deleted_at_s;not null;default:0;index:idx_mappings_deleted"`
}

// TableName provides the explicit table binding for GORM.
func (MappingRow) TableName() string {
	return "mappings"
}

// FileRow is one file-hash holding with its moderation state.
type FileRow struct {
	ID            uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ServiceKey    string `gorm:"column:service_key;size:64;not null;uniqueIndex:idx_files_svc_hash,priority:1"`
	Hash          string `gorm:"column:hash;size:64;not null;uniqueIndex:idx_files_svc_hash,priority:2"`
	Status        Status `gorm:"column:status;not null;index:idx_files_status"`
	AccountKey    string `gorm:"column:account_key;size:64;not null"`
	PetitionerKey string `gorm:"column:petitioner_key;size:64;not null;default:''"`
	Reason        string `gorm:"column:reason;type:text;not null;default:''"`
	CreatedAt     int64  `gorm:"column:created_at_s;not null"`
	CommittedAt   int64  `gorm:"column:committed_at_s;not null;default:0"`
	DeletedAt     int64  `gorm:"column:deleted_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (FileRow) TableName() string {
	return "files"
}

// TagSiblingRow is one replace relationship between two tags.
type TagSiblingRow struct {
	ID            uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ServiceKey    string `gorm:"column:service_key;size:64;not null;uniqueIndex:idx_siblings_svc_pair,priority:1"`
	OldTag        string `gorm:"column:old_tag;size:190;not null;uniqueIndex:idx_siblings_svc_pair,priority:2"`
	NewTag        string `gorm:"column:new_tag;size:190;not null;uniqueIndex:idx_siblings_svc_pair,priority:3"`
	Status        Status `gorm:"column:status;not null;index:idx_siblings_status"`
	AccountKey    string `gorm:"column:account_key;size:64;not null"`
	PetitionerKey string `gorm:"column:petitioner_key;size:64;not null;default:''"`
	Reason        string `gorm:"column:reason;type:text;not null;default:''"`
	CreatedAt     int64  `gorm:"column:created_at_s;not null"`
	CommittedAt   int64  `gorm:"column:committed_at_s;not null;default:0"`
	DeletedAt     int64  `gorm:"column:deleted_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (TagSiblingRow) TableName() string {
	return "tag_siblings"
}

// TagParentRow is one imply relationship between two tags. Committing one
// cascades: every current mapping of the child tag is re-applied onto the
// parent tag.
type TagParentRow struct {
	ID            uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ServiceKey    string `gorm:"column:service_key;size:64;not null;uniqueIndex:idx_parents_svc_pair,priority:1"`
	ChildTag      string `gorm:"column:child_tag;size:190;not null;uniqueIndex:idx_parents_svc_pair,priority:2"`
	ParentTag     string `gorm:"column:parent_tag;size:190;not null;uniqueIndex:idx_parents_svc_pair,priority:3"`
	Status        Status `gorm:"column:status;not null;index:idx_parents_status"`
	AccountKey    string `gorm:"column:account_key;size:64;not null"`
	PetitionerKey string `gorm:"column:petitioner_key;size:64;not null;default:''"`
	Reason        string `gorm:"column:reason;type:text;not null;default:''"`
	CreatedAt     int64  `gorm:"column:created_at_s;not null"`
	CommittedAt   int64  `gorm:"column:committed_at_s;not null;default:0"`
	DeletedAt     int64  `gorm:"column:deleted_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (TagParentRow) TableName() string {
	return "tag_parents"
}

// ServiceRecord is the per-repository configuration row.
type ServiceRecord struct {
	ServiceKey          string `gorm:"column:service_key;primaryKey;size:64;not null"`
	Name                string `gorm:"column:name;size:190;not null"`
	UpdatePeriodSeconds int64  `gorm:"column:update_period_s;not null"`
	BeginSeconds        int64  `gorm:"column:begin_s;not null"`
	NextUpdateDue       int64  `gorm:"column:next_update_due_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ServiceRecord) TableName() string {
	return "services"
}

// UpdateRecord is one sealed window in the append-only metadata index.
// Records are immutable once written; package files are always durably in
// the vault before the record referencing them exists.
type UpdateRecord struct {
	ServiceKey        string `gorm:"column:service_key;primaryKey;size:64;not null"`
	UpdateIndex       int64  `gorm:"column:update_index;primaryKey;not null"`
	BeginSeconds      int64  `gorm:"column:begin_s;not null"`
	EndSeconds        int64  `gorm:"column:end_s;not null"`
	PackageHashesJSON string `gorm:"column:package_hashes_json;type:text;not null"`
	CreatedAt         int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateRecord) TableName() string {
	return "update_cache"
}
