package accounts

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opBootstrap = "accounts.bootstrap"

	// AdminTypeKey names the built-in administrator account type.
	AdminTypeKey = "administrator"
)

// AdminPermissions returns the permission map every administrator holds:
// overrule on every content domain.
func AdminPermissions() PermissionMap {
	var permissions PermissionMap
	for i := range permissions {
		permissions[i] = PermissionOverrule
	}
	return permissions
}

// BootstrapAdmin prepares a fresh repository for first contact. When no
// account exists yet it ensures the administrator type and mints one
// unused registration key for it, bypassing the usual actor gate; the
// operator redeems that key to become the first admin. On a repository
// that already has accounts it returns an empty key and does nothing.
func (s *Service) BootstrapAdmin(ctx context.Context, serviceKey string) (string, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AccountRecord{}).
		Where("service_key = ?", serviceKey).Count(&count).Error; err != nil {
		return "", newServiceError(opBootstrap, "count_failed", err)
	}
	if count > 0 {
		return "", nil
	}

	var typeRecord AccountTypeRecord
	err := s.db.WithContext(ctx).
		Where("service_key = ? AND type_key = ?", serviceKey, AdminTypeKey).
		Take(&typeRecord).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, err := s.CreateAccountType(ctx, serviceKey, AdminTypeKey, "administrator", AdminPermissions(), BandwidthRules{}); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", newServiceError(opBootstrap, "type_query_failed", err)
	}

	var pending int64
	if err := s.db.WithContext(ctx).Model(&RegistrationKeyRecord{}).
		Where("service_key = ? AND account_type_key = ? AND used = ?", serviceKey, AdminTypeKey, false).
		Count(&pending).Error; err != nil {
		return "", newServiceError(opBootstrap, "key_query_failed", err)
	}
	if pending > 0 {
		return "", nil
	}

	key, err := s.keys.NewKey()
	if err != nil {
		return "", newServiceError(opBootstrap, "key_generation_failed", err)
	}
	record := RegistrationKeyRecord{
		ServiceKey:      serviceKey,
		RegistrationKey: key,
		AccountTypeKey:  AdminTypeKey,
		CreatedAt:       s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", newServiceError(opBootstrap, "key_insert_failed", err)
	}

	s.logger.Info("administrator registration key minted",
		zap.String("service_key", serviceKey))
	return key, nil
}
