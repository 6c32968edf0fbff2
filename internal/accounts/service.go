package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hydrusnetwork/tagrepo/internal/apperr"
	"github.com/hydrusnetwork/tagrepo/internal/content"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingKeyProvider = errors.New("key provider is required")
	noOpLogger            = zap.NewNop()
)

const (
	opServiceNew     = "accounts.service.new"
	opGetAccount     = "accounts.get_account"
	opGetAccountType = "accounts.get_account_type"
	opCreateType     = "accounts.create_account_type"
	opReplaceType    = "accounts.replace_account_type"
	opCreateRegKeys  = "accounts.create_registration_keys"
	opRedeemRegKey   = "accounts.redeem_registration_key"
	opSaveAccount    = "accounts.save_account"
	opAddScore       = "accounts.add_score"
)

// ServiceError carries a stable operation.reason code plus the underlying
// cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	KeyProvider KeyProvider
	Logger      *zap.Logger
}

// Service owns account and account-type persistence for every repository
// hosted by this server. Live accounts are cached so the per-account mutex
// is shared by every concurrent request touching the same identity.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	keys   KeyProvider
	logger *zap.Logger

	accountCache sync.Map // service:accountKey -> *Account
	typeCache    sync.Map // service:typeKey -> *AccountType
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.KeyProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_key_provider", errMissingKeyProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, keys: cfg.KeyProvider, logger: logger}, nil
}

func cacheKey(serviceKey, key string) string {
	return serviceKey + ":" + key
}

// GetAccount returns the live account handle for an access key, loading and
// caching it on first use.
func (s *Service) GetAccount(ctx context.Context, serviceKey, accountKey string) (*Account, error) {
	if cached, ok := s.accountCache.Load(cacheKey(serviceKey, accountKey)); ok {
		if account, ok := cached.(*Account); ok {
			return account, nil
		}
	}

	var record AccountRecord
	err := s.db.WithContext(ctx).
		Where("service_key = ? AND account_key = ?", serviceKey, accountKey).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("account %s", accountKey)
	}
	if err != nil {
		s.logError(opGetAccount, "query_failed", err, zap.String("account_key", accountKey))
		return nil, newServiceError(opGetAccount, "query_failed", err)
	}

	account, err := s.recordToAccount(ctx, record)
	if err != nil {
		return nil, err
	}
	actual, _ := s.accountCache.LoadOrStore(cacheKey(serviceKey, accountKey), account)
	return actual.(*Account), nil
}

// GetAccountType returns the shared account type, loading and caching it on
// first use.
func (s *Service) GetAccountType(ctx context.Context, serviceKey, typeKey string) (*AccountType, error) {
	if cached, ok := s.typeCache.Load(cacheKey(serviceKey, typeKey)); ok {
		if accountType, ok := cached.(*AccountType); ok {
			return accountType, nil
		}
	}

	var record AccountTypeRecord
	err := s.db.WithContext(ctx).
		Where("service_key = ? AND type_key = ?", serviceKey, typeKey).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("account type %s", typeKey)
	}
	if err != nil {
		s.logError(opGetAccountType, "query_failed", err, zap.String("type_key", typeKey))
		return nil, newServiceError(opGetAccountType, "query_failed", err)
	}

	accountType, err := recordToAccountType(record)
	if err != nil {
		return nil, newServiceError(opGetAccountType, "decode_failed", err)
	}
	actual, _ := s.typeCache.LoadOrStore(cacheKey(serviceKey, typeKey), accountType)
	return actual.(*AccountType), nil
}

// CreateAccountType persists a new account type under the given key.
func (s *Service) CreateAccountType(ctx context.Context, serviceKey, typeKey, title string, permissions PermissionMap, bandwidth BandwidthRules) (*AccountType, error) {
	accountType, err := NewAccountType(typeKey, title, permissions, bandwidth)
	if err != nil {
		return nil, newServiceError(opCreateType, "invalid_type", err)
	}
	record, err := accountTypeToRecord(serviceKey, accountType)
	if err != nil {
		return nil, newServiceError(opCreateType, "encode_failed", err)
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreateType, "insert_failed", err, zap.String("type_key", typeKey))
		return nil, newServiceError(opCreateType, "insert_failed", err)
	}
	s.typeCache.Store(cacheKey(serviceKey, typeKey), accountType)
	return accountType, nil
}

// ReplaceAccountType rewrites an existing account type and appends the old
// and new definitions to the edit log. Accounts referencing the type pick up
// the replacement on their next load.
func (s *Service) ReplaceAccountType(ctx context.Context, serviceKey string, actor *Account, typeKey, title string, permissions PermissionMap, bandwidth BandwidthRules) (*AccountType, error) {
	if err := actor.CheckPermission(content.TypeAccounts, PermissionOverrule); err != nil {
		return nil, err
	}

	replacement, err := NewAccountType(typeKey, title, permissions, bandwidth)
	if err != nil {
		return nil, newServiceError(opReplaceType, "invalid_type", err)
	}
	newRecord, err := accountTypeToRecord(serviceKey, replacement)
	if err != nil {
		return nil, newServiceError(opReplaceType, "encode_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AccountTypeRecord
		err := tx.Where("service_key = ? AND type_key = ?", serviceKey, typeKey).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFoundf("account type %s", typeKey)
		}
		if err != nil {
			return newServiceError(opReplaceType, "query_failed", err)
		}

		beforeJSON, err := json.Marshal(existing)
		if err != nil {
			return newServiceError(opReplaceType, "encode_failed", err)
		}
		afterJSON, err := json.Marshal(newRecord)
		if err != nil {
			return newServiceError(opReplaceType, "encode_failed", err)
		}
		edit := AccountTypeEdit{
			ServiceKey: serviceKey,
			TypeKey:    typeKey,
			EditedAt:   s.clock().UTC().Unix(),
			BeforeJSON: string(beforeJSON),
			AfterJSON:  string(afterJSON),
		}
		if err := tx.Create(&edit).Error; err != nil {
			return newServiceError(opReplaceType, "edit_log_failed", err)
		}
		if err := tx.Model(&AccountTypeRecord{}).
			Where("service_key = ? AND type_key = ?", serviceKey, typeKey).
			Updates(map[string]interface{}{
				"title":                newRecord.Title,
				"permissions_json":     newRecord.PermissionsJSON,
				"bandwidth_rules_json": newRecord.BandwidthRulesJSON,
			}).Error; err != nil {
			return newServiceError(opReplaceType, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.typeCache.Store(cacheKey(serviceKey, typeKey), replacement)
	// Cached accounts hold the old type handle; drop them so the next load
	// rebinds.
	s.accountCache.Range(func(key, value any) bool {
		if account, ok := value.(*Account); ok && account.Type().Key() == typeKey {
			s.accountCache.Delete(key)
		}
		return true
	})
	return replacement, nil
}

// CreateRegistrationKeys mints single-use registration keys for the given
// account type. Overrule on accounts is required.
func (s *Service) CreateRegistrationKeys(ctx context.Context, serviceKey string, actor *Account, typeKey string, count int) ([]string, error) {
	if err := actor.CheckPermission(content.TypeAccounts, PermissionOverrule); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, apperr.DataMissingf("registration key count must be positive")
	}
	if _, err := s.GetAccountType(ctx, serviceKey, typeKey); err != nil {
		return nil, err
	}

	now := s.clock().UTC().Unix()
	keys := make([]string, 0, count)
	records := make([]RegistrationKeyRecord, 0, count)
	for i := 0; i < count; i++ {
		key, err := s.keys.NewKey()
		if err != nil {
			return nil, newServiceError(opCreateRegKeys, "key_generation_failed", err)
		}
		keys = append(keys, key)
		records = append(records, RegistrationKeyRecord{
			ServiceKey:      serviceKey,
			RegistrationKey: key,
			AccountTypeKey:  typeKey,
			CreatedAt:       now,
		})
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		s.logError(opCreateRegKeys, "insert_failed", err)
		return nil, newServiceError(opCreateRegKeys, "insert_failed", err)
	}
	return keys, nil
}

// RedeemRegistrationKey consumes a registration key and creates the account
// it entitles, returning the new access key.
func (s *Service) RedeemRegistrationKey(ctx context.Context, serviceKey, registrationKey string) (string, error) {
	accountKey, err := s.keys.NewKey()
	if err != nil {
		return "", newServiceError(opRedeemRegKey, "key_generation_failed", err)
	}
	now := s.clock().UTC().Unix()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record RegistrationKeyRecord
		err := tx.Where("service_key = ? AND registration_key = ? AND used = ?", serviceKey, registrationKey, false).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFoundf("registration key")
		}
		if err != nil {
			return newServiceError(opRedeemRegKey, "query_failed", err)
		}

		if err := tx.Model(&RegistrationKeyRecord{}).
			Where("service_key = ? AND registration_key = ?", serviceKey, registrationKey).
			Updates(map[string]interface{}{"used": true, "account_key": accountKey}).Error; err != nil {
			return newServiceError(opRedeemRegKey, "update_failed", err)
		}

		account := AccountRecord{
			ServiceKey:     serviceKey,
			AccountKey:     accountKey,
			AccountTypeKey: record.AccountTypeKey,
			CreatedAt:      now,
			BandwidthJSON:  "{}",
		}
		if err := tx.Create(&account).Error; err != nil {
			return newServiceError(opRedeemRegKey, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return "", txErr
	}

	s.logger.Info("registration key redeemed",
		zap.String("service_key", serviceKey),
		zap.String("account_key", accountKey))
	return accountKey, nil
}

// SaveAccount flushes a dirty account back to its row.
func (s *Service) SaveAccount(ctx context.Context, serviceKey string, account *Account) error {
	if !account.Dirty() {
		return nil
	}
	record, err := s.accountToRecord(serviceKey, account)
	if err != nil {
		return newServiceError(opSaveAccount, "encode_failed", err)
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		s.logError(opSaveAccount, "save_failed", err, zap.String("account_key", account.Key()))
		return newServiceError(opSaveAccount, "save_failed", err)
	}
	account.ClearDirty()
	return nil
}

// RequestMade records a completed request against the account's bandwidth
// counters and persists the new totals. It is called whether or not the
// underlying operation succeeded.
func (s *Service) RequestMade(ctx context.Context, serviceKey string, account *Account, numBytes int64) error {
	account.RequestMade(s.clock().UTC(), numBytes)
	return s.SaveAccount(ctx, serviceKey, account)
}

// AddScore adjusts a petitioner's moderation score by key.
func (s *Service) AddScore(ctx context.Context, serviceKey, accountKey string, delta int64) error {
	account, err := s.GetAccount(ctx, serviceKey, accountKey)
	if err != nil {
		return err
	}
	account.AddScore(delta)
	return s.SaveAccount(ctx, serviceKey, account)
}

// AddScoreInTx folds a score change into the caller's transaction, so the
// score commits or rolls back together with the caller's other writes. The
// cached handle is not touched; callers evict it once the transaction
// commits.
func (s *Service) AddScoreInTx(tx *gorm.DB, serviceKey, accountKey string, delta int64) error {
	result := tx.Model(&AccountRecord{}).
		Where("service_key = ? AND account_key = ?", serviceKey, accountKey).
		UpdateColumn("score", gorm.Expr("score + ?", delta))
	if result.Error != nil {
		return newServiceError(opAddScore, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFoundf("account %s does not exist on service %s", accountKey, serviceKey)
	}
	return nil
}

// EvictAccount drops the cached handle so the next load rebuilds it from
// the durable row.
func (s *Service) EvictAccount(serviceKey, accountKey string) {
	s.accountCache.Delete(cacheKey(serviceKey, accountKey))
}

// BanAccount bans the target. A nil lifetime bans permanently.
func (s *Service) BanAccount(ctx context.Context, serviceKey string, actor *Account, targetKey, reason string, lifetime *time.Duration) error {
	if err := actor.CheckPermission(content.TypeAccounts, PermissionOverrule); err != nil {
		return err
	}
	target, err := s.GetAccount(ctx, serviceKey, targetKey)
	if err != nil {
		return err
	}
	target.ApplyBan(reason, s.clock().UTC(), lifetime)
	s.logger.Info("account banned",
		zap.String("service_key", serviceKey),
		zap.String("account_key", targetKey),
		zap.String("reason", reason))
	return s.SaveAccount(ctx, serviceKey, target)
}

// UnbanAccount clears the target's ban record entirely.
func (s *Service) UnbanAccount(ctx context.Context, serviceKey string, actor *Account, targetKey string) error {
	if err := actor.CheckPermission(content.TypeAccounts, PermissionOverrule); err != nil {
		return err
	}
	target, err := s.GetAccount(ctx, serviceKey, targetKey)
	if err != nil {
		return err
	}
	target.ClearBan()
	return s.SaveAccount(ctx, serviceKey, target)
}

// SetAccountExpires replaces the target's expiry; nil means never.
func (s *Service) SetAccountExpires(ctx context.Context, serviceKey string, actor *Account, targetKey string, expires *int64) error {
	if err := actor.CheckPermission(content.TypeAccounts, PermissionOverrule); err != nil {
		return err
	}
	target, err := s.GetAccount(ctx, serviceKey, targetKey)
	if err != nil {
		return err
	}
	target.SetExpires(expires)
	return s.SaveAccount(ctx, serviceKey, target)
}

// AddToAccountExpires extends the target's expiry by delta, from now if the
// account currently never expires.
func (s *Service) AddToAccountExpires(ctx context.Context, serviceKey string, actor *Account, targetKey string, delta time.Duration) error {
	if err := actor.CheckPermission(content.TypeAccounts, PermissionOverrule); err != nil {
		return err
	}
	target, err := s.GetAccount(ctx, serviceKey, targetKey)
	if err != nil {
		return err
	}
	base := s.clock().UTC().Unix()
	if current := target.Expires(); current != nil && *current > base {
		base = *current
	}
	expires := base + int64(delta.Seconds())
	target.SetExpires(&expires)
	return s.SaveAccount(ctx, serviceKey, target)
}

// SetAccountType rebinds the target to a different account type.
func (s *Service) SetAccountType(ctx context.Context, serviceKey string, actor *Account, targetKey, typeKey string) error {
	if err := actor.CheckPermission(content.TypeAccounts, PermissionOverrule); err != nil {
		return err
	}
	accountType, err := s.GetAccountType(ctx, serviceKey, typeKey)
	if err != nil {
		return err
	}
	target, err := s.GetAccount(ctx, serviceKey, targetKey)
	if err != nil {
		return err
	}
	target.SetType(accountType)
	return s.SaveAccount(ctx, serviceKey, target)
}

func (s *Service) recordToAccount(ctx context.Context, record AccountRecord) (*Account, error) {
	accountType, err := s.GetAccountType(ctx, record.ServiceKey, record.AccountTypeKey)
	if err != nil {
		return nil, err
	}

	var tracker BandwidthTracker
	if record.BandwidthJSON != "" {
		if err := json.Unmarshal([]byte(record.BandwidthJSON), &tracker); err != nil {
			return nil, newServiceError(opGetAccount, "decode_failed", err)
		}
	}

	var ban *BanInfo
	if record.Banned {
		ban = &BanInfo{Reason: record.BanReason, Created: record.BanCreatedAt, Expires: record.BanExpiresAt}
	}

	return NewAccount(record.AccountKey, accountType, record.CreatedAt, record.ExpiresAt, ban, tracker, record.Score)
}

func (s *Service) accountToRecord(serviceKey string, account *Account) (AccountRecord, error) {
	tracker := account.Tracker()
	bandwidthJSON, err := json.Marshal(tracker)
	if err != nil {
		return AccountRecord{}, err
	}

	record := AccountRecord{
		ServiceKey:     serviceKey,
		AccountKey:     account.Key(),
		AccountTypeKey: account.Type().Key(),
		CreatedAt:      account.Created(),
		ExpiresAt:      account.Expires(),
		Score:          account.Score(),
		BandwidthJSON:  string(bandwidthJSON),
	}
	if ban := account.Ban(); ban != nil {
		record.Banned = true
		record.BanReason = ban.Reason
		record.BanCreatedAt = ban.Created
		record.BanExpiresAt = ban.Expires
	}
	return record, nil
}

func recordToAccountType(record AccountTypeRecord) (*AccountType, error) {
	var permissions PermissionMap
	if err := json.Unmarshal([]byte(record.PermissionsJSON), &permissions); err != nil {
		return nil, err
	}
	var bandwidth BandwidthRules
	if err := json.Unmarshal([]byte(record.BandwidthRulesJSON), &bandwidth); err != nil {
		return nil, err
	}
	return NewAccountType(record.TypeKey, record.Title, permissions, bandwidth)
}

func accountTypeToRecord(serviceKey string, accountType *AccountType) (AccountTypeRecord, error) {
	permissionsJSON, err := json.Marshal(accountType.Permissions())
	if err != nil {
		return AccountTypeRecord{}, err
	}
	bandwidthJSON, err := json.Marshal(accountType.BandwidthRules())
	if err != nil {
		return AccountTypeRecord{}, err
	}
	return AccountTypeRecord{
		ServiceKey:         serviceKey,
		TypeKey:            accountType.Key(),
		Title:              accountType.Title(),
		PermissionsJSON:    string(permissionsJSON),
		BandwidthRulesJSON: string(bandwidthJSON),
	}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("accounts service error", attrs...)
}
