package accounts

// AccountRecord is the persisted account row, keyed by (service, account).
// Accounts are never physically deleted, only rewritten.
type AccountRecord struct {
	ServiceKey     string `gorm:"column:service_key;primaryKey;size:64;not null"`
	AccountKey     string `gorm:"column:account_key;primaryKey;size:64;not null"`
	AccountTypeKey string `gorm:"column:account_type_key;size:64;not null;index"`
	CreatedAt      int64  `gorm:"column:created_at_s;not null"`
	ExpiresAt      *int64 `gorm:"column:expires_at_s"`
	BanReason      string `gorm:"column:ban_reason;type:text;not null;default:''"`
	BanCreatedAt   int64  `gorm:"column:ban_created_at_s;not null;default:0"`
	BanExpiresAt   *int64 `gorm:"column:ban_expires_at_s"`
	Banned         bool   `gorm:"column:banned;not null;default:false"`
	Score          int64  `gorm:"column:score;not null;default:0"`
	BandwidthJSON  string `gorm:"column:bandwidth_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (AccountRecord) TableName() string {
	return "accounts"
}

// AccountTypeRecord is the persisted account type row shared by many
// accounts of one service.
type AccountTypeRecord struct {
	ServiceKey         string `gorm:"column:service_key;primaryKey;size:64;not null"`
	TypeKey            string `gorm:"column:type_key;primaryKey;size:64;not null"`
	Title              string `gorm:"column:title;size:190;not null"`
	PermissionsJSON    string `gorm:"column:permissions_json;type:text;not null"`
	BandwidthRulesJSON string `gorm:"column:bandwidth_rules_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AccountTypeRecord) TableName() string {
	return "account_types"
}

// AccountTypeEdit is the append-only edit log written whenever a referenced
// account type is replaced.
type AccountTypeEdit struct {
	ID         uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ServiceKey string `gorm:"column:service_key;size:64;not null;index"`
	TypeKey    string `gorm:"column:type_key;size:64;not null"`
	EditedAt   int64  `gorm:"column:edited_at_s;not null"`
	BeforeJSON string `gorm:"column:before_json;type:text;not null"`
	AfterJSON  string `gorm:"column:after_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AccountTypeEdit) TableName() string {
	return "account_type_edits"
}

// RegistrationKeyRecord is a single-use token redeemable for a new account
// of the configured type.
type RegistrationKeyRecord struct {
	ServiceKey      string `gorm:"column:service_key;primaryKey;size:64;not null"`
	RegistrationKey string `gorm:"column:registration_key;primaryKey;size:64;not null"`
	AccountTypeKey  string `gorm:"column:account_type_key;size:64;not null"`
	CreatedAt       int64  `gorm:"column:created_at_s;not null"`
	Used            bool   `gorm:"column:used;not null;default:false"`
	AccountKey      string `gorm:"column:account_key;size:64;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (RegistrationKeyRecord) TableName() string {
	return "registration_keys"
}
