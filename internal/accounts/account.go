package accounts

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hydrusnetwork/tagrepo/internal/apperr"
	"github.com/hydrusnetwork/tagrepo/internal/content"
)

var (
	errMissingAccountKey  = errors.New("accounts: account key required")
	errMissingAccountType = errors.New("accounts: account type required")
)

// AccountType is a named, shared bundle of per-content-type permissions and
// bandwidth rules. It is immutable once referenced; edits go through the
// account service's replace path, which records the change in the edit log.
type AccountType struct {
	key         string
	title       string
	permissions PermissionMap
	bandwidth   BandwidthRules
}

// NewAccountType validates and builds an account type.
func NewAccountType(key, title string, permissions PermissionMap, bandwidth BandwidthRules) (*AccountType, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("accounts: account type key required")
	}
	if strings.TrimSpace(title) == "" {
		return nil, errors.New("accounts: account type title required")
	}
	return &AccountType{key: key, title: title, permissions: permissions, bandwidth: bandwidth}, nil
}

// Key returns the account type's opaque key.
func (t *AccountType) Key() string {
	return t.key
}

// Title returns the human-readable name.
func (t *AccountType) Title() string {
	return t.title
}

// Permissions returns the permission matrix.
func (t *AccountType) Permissions() PermissionMap {
	return t.permissions
}

// HasPermission reports whether the type grants at least the requested level
// for the content type.
func (t *AccountType) HasPermission(contentType content.ContentType, level PermissionLevel) bool {
	return t.permissions.Satisfies(contentType, level)
}

// BandwidthOk delegates the bandwidth decision to the type's rule set.
func (t *AccountType) BandwidthOk(now time.Time, tracker *BandwidthTracker) bool {
	return t.bandwidth.Ok(now, tracker)
}

// BandwidthRules returns the rule set for persistence.
func (t *AccountType) BandwidthRules() BandwidthRules {
	return t.bandwidth
}

// BanInfo records an active ban. Unbanning clears the record entirely; there
// is no banned-but-forgiven state.
type BanInfo struct {
	Reason  string `json:"reason"`
	Created int64  `json:"created"`
	// Expires is nil for a permanent ban.
	Expires *int64 `json:"expires"`
}

// Expired reports whether a timed ban has lapsed.
func (b BanInfo) Expired(now time.Time) bool {
	return b.Expires != nil && now.Unix() >= *b.Expires
}

// Account is an authenticated identity holding a permission and bandwidth
// profile against one repository. Counter mutations take the account mutex
// so functional checks and request accounting stay atomic inside read-heavy
// repository transactions.
type Account struct {
	mu sync.Mutex

	key         string
	accountType *AccountType
	created     int64
	// expires is nil for accounts that never lapse.
	expires *int64
	ban     *BanInfo
	tracker BandwidthTracker
	score   int64
	dirty   bool
}

// NewAccount builds an account handle from persisted state.
func NewAccount(key string, accountType *AccountType, created int64, expires *int64, ban *BanInfo, tracker BandwidthTracker, score int64) (*Account, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errMissingAccountKey
	}
	if accountType == nil {
		return nil, errMissingAccountType
	}
	return &Account{
		key:         key,
		accountType: accountType,
		created:     created,
		expires:     expires,
		ban:         ban,
		tracker:     tracker,
		score:       score,
	}, nil
}

// Key returns the opaque account key.
func (a *Account) Key() string {
	return a.key
}

// Type returns the account's shared type.
func (a *Account) Type() *AccountType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountType
}

// Created returns the registration time in unix seconds.
func (a *Account) Created() int64 {
	return a.created
}

// Expires returns the expiry in unix seconds, or nil for never.
func (a *Account) Expires() *int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expires
}

// Ban returns the active ban record, or nil.
func (a *Account) Ban() *BanInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ban
}

// Score returns the petitioner's running moderation score. It ranks
// petitions for moderator triage and never triggers automatic banning.
func (a *Account) Score() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.score
}

// Tracker returns a snapshot of the bandwidth counters for persistence.
func (a *Account) Tracker() BandwidthTracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := BandwidthTracker{Days: make([]BandwidthUsage, len(a.tracker.Days))}
	copy(snapshot.Days, a.tracker.Days)
	return snapshot
}

// IsAdmin reports whether the account holds the services-overrule
// permission, which bypasses ban, expiry and bandwidth checks.
func (a *Account) IsAdmin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountType.HasPermission(content.TypeAccounts, PermissionOverrule)
}

// CheckFunctional fails with a permission error if the account is banned,
// expired or over bandwidth. Admin accounts bypass all three checks.
func (a *Account) CheckFunctional(now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accountType.HasPermission(content.TypeAccounts, PermissionOverrule) {
		return nil
	}
	if a.ban != nil && !a.ban.Expired(now) {
		return apperr.Permissionf("account %s is banned: %s", a.key, a.ban.Reason)
	}
	if a.expires != nil && now.Unix() >= *a.expires {
		return apperr.Permissionf("account %s has expired", a.key)
	}
	if !a.accountType.BandwidthOk(now, &a.tracker) {
		return apperr.Permissionf("account %s has exceeded its bandwidth", a.key)
	}
	return nil
}

// CheckPermission fails with a permission error unless the account's type
// grants at least the requested level for the content type.
func (a *Account) CheckPermission(contentType content.ContentType, level PermissionLevel) error {
	if !a.HasPermission(contentType, level) {
		return apperr.Permissionf("account %s lacks %s permission for %s", a.key, level, contentType.Normalized())
	}
	return nil
}

// HasPermission is the non-erroring form of CheckPermission.
func (a *Account) HasPermission(contentType content.ContentType, level PermissionLevel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountType.HasPermission(contentType, level)
}

// RequestMade records a completed request against the bandwidth tracker.
// This is the only bandwidth-mutating call.
func (a *Account) RequestMade(now time.Time, numBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracker.RequestMade(now, numBytes)
	a.dirty = true
}

// ApplyBan sets the ban record. A nil lifetime bans permanently; otherwise
// the ban expires at created + lifetime.
func (a *Account) ApplyBan(reason string, now time.Time, lifetime *time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ban := &BanInfo{Reason: reason, Created: now.Unix()}
	if lifetime != nil {
		expires := now.Add(*lifetime).Unix()
		ban.Expires = &expires
	}
	a.ban = ban
	a.dirty = true
}

// ClearBan removes the ban record entirely.
func (a *Account) ClearBan() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ban = nil
	a.dirty = true
}

// SetExpires replaces the expiry; nil means never.
func (a *Account) SetExpires(expires *int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expires = expires
	a.dirty = true
}

// AddScore adjusts the petition score by the given delta.
func (a *Account) AddScore(delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.score += delta
	a.dirty = true
}

// SetType swaps the shared account type reference.
func (a *Account) SetType(accountType *AccountType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accountType = accountType
	a.dirty = true
}

// Dirty reports whether the account has unpersisted mutations.
func (a *Account) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// ClearDirty marks the account as persisted.
func (a *Account) ClearDirty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = false
}
