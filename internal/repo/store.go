package repo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hydrusnetwork/tagrepo/internal/accounts"
	"github.com/hydrusnetwork/tagrepo/internal/apperr"
	"github.com/hydrusnetwork/tagrepo/internal/content"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingAccounts = errors.New("account service is required")
	errMissingLocks    = errors.New("service lock table is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew      = "repo.store.new"
	opProcessUpdate = "repo.process_update"
	opEnsureService = "repo.ensure_service"
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

// ServiceLocks serializes writers per repository. Requests against
// different services proceed independently; requests against the same
// service queue on its mutex.
type ServiceLocks struct {
	locks sync.Map
}

// NewServiceLocks returns an empty lock table.
func NewServiceLocks() *ServiceLocks {
	return &ServiceLocks{}
}

// For returns the exclusive mutex owned by one service.
func (l *ServiceLocks) For(serviceKey string) *sync.Mutex {
	actual, _ := l.locks.LoadOrStore(serviceKey, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// StoreConfig describes the dependencies of the repository store.
type StoreConfig struct {
	Database *gorm.DB
	Accounts *accounts.Service
	Locks    *ServiceLocks
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store applies incoming content updates to the durable state tables and
// serves the moderation engine.
type Store struct {
	db       *gorm.DB
	accounts *accounts.Service
	locks    *ServiceLocks
	clock    func() time.Time
	logger   *zap.Logger
}

// NewStore constructs the repository store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Accounts == nil {
		return nil, newServiceError(opStoreNew, "missing_accounts", errMissingAccounts)
	}
	if cfg.Locks == nil {
		return nil, newServiceError(opStoreNew, "missing_locks", errMissingLocks)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, accounts: cfg.Accounts, locks: cfg.Locks, clock: clock, logger: logger}, nil
}

// EnsureService creates the per-repository configuration row if it does not
// exist yet.
func (s *Store) EnsureService(ctx context.Context, serviceKey, name string, updatePeriod time.Duration) (ServiceRecord, error) {
	var record ServiceRecord
	err := s.db.WithContext(ctx).Where("service_key = ?", serviceKey).Take(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return ServiceRecord{}, newServiceError(opEnsureService, "query_failed", err)
	}

	now := s.clock().UTC().Unix()
	record = ServiceRecord{
		ServiceKey:          serviceKey,
		Name:                name,
		UpdatePeriodSeconds: int64(updatePeriod.Seconds()),
		BeginSeconds:        now,
		NextUpdateDue:       now + int64(updatePeriod.Seconds()),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return ServiceRecord{}, newServiceError(opEnsureService, "insert_failed", err)
	}
	s.logger.Info("repository service created",
		zap.String("service_key", serviceKey),
		zap.String("name", name))
	return record, nil
}

// ApplyResult reports how many rows an update bundle actually transitioned.
// No-op rows (idempotent replays, already-resolved petitions) do not count.
type ApplyResult struct {
	AffectedRows int
}

func requiredLevel(action content.Action) accounts.PermissionLevel {
	switch action {
	case content.ActionPend, content.ActionPetition,
		content.ActionRescindPend, content.ActionRescindPetition:
		return accounts.PermissionPetition
	default:
		// Add, Delete and the deny actions are the moderator's own path.
		return accounts.PermissionOverrule
	}
}

// ProcessUpdate applies an incoming content update bundle from an
// authenticated account. Every (content type, action) pair is permission
// checked before any mutation, so a failure aborts the whole bundle, and
// the bundle is applied inside one transaction so database failures never
// partially commit.
func (s *Store) ProcessUpdate(ctx context.Context, serviceKey string, account *accounts.Account, update *content.ContentUpdate) (ApplyResult, error) {
	return s.processUpdate(ctx, serviceKey, account, update, nil)
}

// processUpdate is ProcessUpdate with an optional continuation that runs
// inside the same transaction once the rows are applied, so bookkeeping
// tied to the outcome commits or rolls back with it.
func (s *Store) processUpdate(ctx context.Context, serviceKey string, account *accounts.Account, update *content.ContentUpdate, inTx func(tx *gorm.DB, result ApplyResult) error) (ApplyResult, error) {
	if update == nil || update.IsEmpty() {
		return ApplyResult{}, apperr.DataMissingf("update bundle is empty")
	}

	for _, entry := range update.Entries() {
		if !entry.Type.Valid() || entry.Type == content.TypeAccounts {
			return ApplyResult{}, apperr.DataMissingf("update bundle targets invalid content type %s", entry.Type)
		}
		if !entry.Action.Valid() {
			return ApplyResult{}, apperr.DataMissingf("update bundle carries invalid action %s", entry.Action)
		}
		if err := account.CheckPermission(entry.Type, requiredLevel(entry.Action)); err != nil {
			return ApplyResult{}, fmt.Errorf("%s %s: %w", entry.Action, entry.Type.Normalized(), err)
		}
	}

	lock := s.locks.For(serviceKey)
	lock.Lock()
	defer lock.Unlock()

	watermark, err := s.sealedWatermark(ctx, serviceKey)
	if err != nil {
		return ApplyResult{}, err
	}

	applier := &updateApplier{
		serviceKey: serviceKey,
		account:    account,
		now:        s.clock().UTC().Unix(),
		watermark:  watermark,
	}

	result := ApplyResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range update.Entries() {
			reason := update.Reason(entry.Action)
			for _, row := range entry.Rows {
				affected, err := applier.applyRow(tx, entry.Action, row, reason)
				if err != nil {
					return err
				}
				result.AffectedRows += affected
			}
		}
		if inTx != nil {
			return inTx(tx, result)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opProcessUpdate, "transaction_failed", txErr,
			zap.String("service_key", serviceKey),
			zap.String("account_key", account.Key()))
		return ApplyResult{}, txErr
	}
	return result, nil
}

// sealedWatermark returns the end of the last sealed update window. Rows
// committed after it have never been published, so petition approval must
// not delete them; before anything is sealed there is no published state to
// protect and the guard is disabled.
func (s *Store) sealedWatermark(ctx context.Context, serviceKey string) (int64, error) {
	var record UpdateRecord
	err := s.db.WithContext(ctx).
		Where("service_key = ?", serviceKey).
		Order("update_index DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return math.MaxInt64, nil
	}
	if err != nil {
		return 0, newServiceError(opProcessUpdate, "watermark_query_failed", err)
	}
	return record.EndSeconds, nil
}

// rowTransition is the decision for one row of one action.
type rowTransition int

const (
	txnNone rowTransition = iota
	txnCreateCurrent
	txnCreatePending
	txnPromote
	txnResurrectCurrent
	txnResurrectPending
	txnPetitionRow
	txnUnpetition
	txnSetDeleted
	txnDropRow
)

// rowState is the slice of a content row the state machine decides on.
type rowState struct {
	found         bool
	status        Status
	accountKey    string
	petitionerKey string
	committedAt   int64
}

// decideTransition is the per-row state machine shared by every content
// table. canCreate commits pends directly as current; overwriteDeleted lets
// a row marked deleted by another account be re-pended.
func decideTransition(action content.Action, row rowState, actorKey string, canCreate, overwriteDeleted bool, watermark int64) rowTransition {
	switch action {
	case content.ActionPend:
		if !row.found {
			if canCreate {
				return txnCreateCurrent
			}
			return txnCreatePending
		}
		if row.status == StatusDeleted {
			if !overwriteDeleted {
				// The already-deleted timestamp wins; replaying the pend is
				// a no-op.
				return txnNone
			}
			if canCreate {
				return txnResurrectCurrent
			}
			return txnResurrectPending
		}
		return txnNone
	case content.ActionPetition:
		if row.found && (row.status == StatusCurrent || row.status == StatusPetitioned) {
			return txnPetitionRow
		}
		return txnNone
	case content.ActionRescindPend:
		if row.found && row.status == StatusPending && row.accountKey == actorKey {
			return txnDropRow
		}
		return txnNone
	case content.ActionRescindPetition:
		if row.found && row.status == StatusPetitioned && row.petitionerKey == actorKey {
			return txnUnpetition
		}
		return txnNone
	case content.ActionAdd:
		if !row.found {
			return txnCreateCurrent
		}
		switch row.status {
		case StatusPending:
			return txnPromote
		case StatusDeleted:
			if overwriteDeleted {
				return txnResurrectCurrent
			}
			return txnNone
		default:
			return txnNone
		}
	case content.ActionDelete:
		if row.found && (row.status == StatusCurrent || row.status == StatusPetitioned) {
			if row.committedAt > watermark {
				// Never delete content clients have not yet been told
				// exists.
				return txnNone
			}
			return txnSetDeleted
		}
		return txnNone
	case content.ActionDenyPend:
		if row.found && row.status == StatusPending {
			return txnDropRow
		}
		return txnNone
	case content.ActionDenyPetition:
		if row.found && row.status == StatusPetitioned {
			return txnUnpetition
		}
		return txnNone
	default:
		return txnNone
	}
}

// transitionUpdates maps a decided transition onto the shared status
// columns. Returns nil for transitions handled with create or delete
// statements.
func transitionUpdates(decision rowTransition, actorKey, reason string, now int64) map[string]interface{} {
	switch decision {
	case txnPromote:
		return map[string]interface{}{
			"status":         StatusCurrent,
			"committed_at_s": now,
			"petitioner_key": "",
			"reason":         "",
		}
	case txnResurrectCurrent:
		return map[string]interface{}{
			"status":         StatusCurrent,
			"account_key":    actorKey,
			"committed_at_s": now,
			"deleted_at_s":   0,
			"petitioner_key": "",
			"reason":         "",
		}
	case txnResurrectPending:
		return map[string]interface{}{
			"status":         StatusPending,
			"account_key":    actorKey,
			"created_at_s":   now,
			"deleted_at_s":   0,
			"petitioner_key": "",
			"reason":         reason,
		}
	case txnPetitionRow:
		return map[string]interface{}{
			"status":         StatusPetitioned,
			"petitioner_key": actorKey,
			"reason":         reason,
		}
	case txnUnpetition:
		return map[string]interface{}{
			"status":         StatusCurrent,
			"petitioner_key": "",
			"reason":         "",
		}
	case txnSetDeleted:
		return map[string]interface{}{
			"status":         StatusDeleted,
			"deleted_at_s":   now,
			"petitioner_key": "",
			"reason":         "",
		}
	default:
		return nil
	}
}

// updateApplier carries the per-bundle context through the transaction.
type updateApplier struct {
	serviceKey string
	account    *accounts.Account
	now        int64
	watermark  int64
}

func (ap *updateApplier) applyRow(tx *gorm.DB, action content.Action, row content.Content, reason string) (int, error) {
	switch row.Type() {
	case content.TypeMapping, content.TypeMappings:
		return ap.applyMappings(tx, action, row.Tag(), row.Hashes(), reason)
	case content.TypeFiles:
		return ap.applyFiles(tx, action, row.Hashes(), reason)
	case content.TypeTagSiblings:
		return ap.applySibling(tx, action, row.OldTag(), row.NewTag(), reason)
	case content.TypeTagParents:
		return ap.applyParent(tx, action, row.OldTag(), row.NewTag(), reason)
	default:
		return 0, apperr.DataMissingf("cannot apply content type %s", row.Type())
	}
}

func (ap *updateApplier) permissions(contentType content.ContentType) (bool, bool) {
	canCreate := ap.account.HasPermission(contentType, accounts.PermissionCreate)
	overwriteDeleted := ap.account.HasPermission(contentType, accounts.PermissionOverrule)
	return canCreate, overwriteDeleted
}

func (ap *updateApplier) applyMappings(tx *gorm.DB, action content.Action, tag string, hashes []string, reason string) (int, error) {
	canCreate, overwriteDeleted := ap.permissions(content.TypeMappings)
	affected := 0
	for _, hash := range hashes {
		var row MappingRow
		state := rowState{found: true}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("service_key = ? AND tag = ? AND hash = ?", ap.serviceKey, tag, hash).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state.found = false
		} else if err != nil {
			return 0, newServiceError(opProcessUpdate, "mapping_select_failed", err)
		} else {
			state.status = row.Status
			state.accountKey = row.AccountKey
			state.petitionerKey = row.PetitionerKey
			state.committedAt = row.CommittedAt
		}

		decision := decideTransition(action, state, ap.account.Key(), canCreate, overwriteDeleted, ap.watermark)
		switch decision {
		case txnNone:
			continue
		case txnCreateCurrent, txnCreatePending:
			created := MappingRow{
				ServiceKey: ap.serviceKey,
				Tag:        tag,
				Hash:       hash,
				Status:     StatusCurrent,
				AccountKey: ap.account.Key(),
				CreatedAt:  ap.now,
			}
			if decision == txnCreateCurrent {
				created.CommittedAt = ap.now
			} else {
				created.Status = StatusPending
				created.Reason = reason
			}
			if err := tx.Create(&created).Error; err != nil {
				return 0, newServiceError(opProcessUpdate, "mapping_insert_failed", err)
			}
		case txnDropRow:
			if err := tx.Delete(&MappingRow{}, row.ID).Error; err != nil {
				return 0, newServiceError(opProcessUpdate, "mapping_delete_failed", err)
			}
		default:
			updates := transitionUpdates(decision, ap.account.Key(), reason, ap.now)
			if err := tx.Model(&MappingRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return 0, newServiceError(opProcessUpdate, "mapping_update_failed", err)
			}
		}
		affected++
	}
	return affected, nil
}

func (ap *updateApplier) applyFiles(tx *gorm.DB, action content.Action, hashes []string, reason string) (int, error) {
	canCreate, overwriteDeleted := ap.permissions(content.TypeFiles)
	affected := 0
	for _, hash := range hashes {
		var row FileRow
		state := rowState{found: true}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("service_key = ? AND hash = ?", ap.serviceKey, hash).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state.found = false
		} else if err != nil {
			return 0, newServiceError(opProcessUpdate, "file_select_failed", err)
		} else {
			state.status = row.Status
			state.accountKey = row.AccountKey
			state.petitionerKey = row.PetitionerKey
			state.committedAt = row.CommittedAt
		}

		decision := decideTransition(action, state, ap.account.Key(), canCreate, overwriteDeleted, ap.watermark)
		switch decision {
		case txnNone:
			continue
		case txnCreateCurrent, txnCreatePending:
			created := FileRow{
				ServiceKey: ap.serviceKey,
				Hash:       hash,
				Status:     StatusCurrent,
				AccountKey: ap.account.Key(),
				CreatedAt:  ap.now,
			}
			if decision == txnCreateCurrent {
				created.CommittedAt = ap.now
			} else {
				created.Status = StatusPending
				created.Reason = reason
			}
			if err := tx.Create(&created).Error; err != nil {
				return 0, newServiceError(opProcessUpdate, "file_insert_failed", err)
			}
		case txnDropRow:
			if err := tx.Delete(&FileRow{}, row.ID).Error; err != nil {
				return 0, newServiceError(opProcessUpdate, "file_delete_failed", err)
			}
		default:
			updates := transitionUpdates(decision, ap.account.Key(), reason, ap.now)
			if err := tx.Model(&FileRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return 0, newServiceError(opProcessUpdate, "file_update_failed", err)
			}
		}
		affected++
	}
	return affected, nil
}

func (ap *updateApplier) applySibling(tx *gorm.DB, action content.Action, oldTag, newTag, reason string) (int, error) {
	canCreate, overwriteDeleted := ap.permissions(content.TypeTagSiblings)

	var row TagSiblingRow
	state := rowState{found: true}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("service_key = ? AND old_tag = ? AND new_tag = ?", ap.serviceKey, oldTag, newTag).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state.found = false
	} else if err != nil {
		return 0, newServiceError(opProcessUpdate, "sibling_select_failed", err)
	} else {
		state.status = row.Status
		state.accountKey = row.AccountKey
		state.petitionerKey = row.PetitionerKey
		state.committedAt = row.CommittedAt
	}

	decision := decideTransition(action, state, ap.account.Key(), canCreate, overwriteDeleted, ap.watermark)
	switch decision {
	case txnNone:
		return 0, nil
	case txnCreateCurrent, txnCreatePending:
		created := TagSiblingRow{
			ServiceKey: ap.serviceKey,
			OldTag:     oldTag,
			NewTag:     newTag,
			Status:     StatusCurrent,
			AccountKey: ap.account.Key(),
			CreatedAt:  ap.now,
		}
		if decision == txnCreateCurrent {
			created.CommittedAt = ap.now
		} else {
			created.Status = StatusPending
			created.Reason = reason
		}
		if err := tx.Create(&created).Error; err != nil {
			return 0, newServiceError(opProcessUpdate, "sibling_insert_failed", err)
		}
	case txnDropRow:
		if err := tx.Delete(&TagSiblingRow{}, row.ID).Error; err != nil {
			return 0, newServiceError(opProcessUpdate, "sibling_delete_failed", err)
		}
	default:
		updates := transitionUpdates(decision, ap.account.Key(), reason, ap.now)
		if err := tx.Model(&TagSiblingRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return 0, newServiceError(opProcessUpdate, "sibling_update_failed", err)
		}
	}
	return 1, nil
}

func (ap *updateApplier) applyParent(tx *gorm.DB, action content.Action, childTag, parentTag, reason string) (int, error) {
	canCreate, overwriteDeleted := ap.permissions(content.TypeTagParents)

	var row TagParentRow
	state := rowState{found: true}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("service_key = ? AND child_tag = ? AND parent_tag = ?", ap.serviceKey, childTag, parentTag).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state.found = false
	} else if err != nil {
		return 0, newServiceError(opProcessUpdate, "parent_select_failed", err)
	} else {
		state.status = row.Status
		state.accountKey = row.AccountKey
		state.petitionerKey = row.PetitionerKey
		state.committedAt = row.CommittedAt
	}

	decision := decideTransition(action, state, ap.account.Key(), canCreate, overwriteDeleted, ap.watermark)
	switch decision {
	case txnNone:
		return 0, nil
	case txnCreateCurrent, txnCreatePending:
		created := TagParentRow{
			ServiceKey: ap.serviceKey,
			ChildTag:   childTag,
			ParentTag:  parentTag,
			Status:     StatusCurrent,
			AccountKey: ap.account.Key(),
			CreatedAt:  ap.now,
		}
		if decision == txnCreateCurrent {
			created.CommittedAt = ap.now
		} else {
			created.Status = StatusPending
			created.Reason = reason
		}
		if err := tx.Create(&created).Error; err != nil {
			return 0, newServiceError(opProcessUpdate, "parent_insert_failed", err)
		}
	case txnDropRow:
		if err := tx.Delete(&TagParentRow{}, row.ID).Error; err != nil {
			return 0, newServiceError(opProcessUpdate, "parent_delete_failed", err)
		}
	default:
		updates := transitionUpdates(decision, ap.account.Key(), reason, ap.now)
		if err := tx.Model(&TagParentRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return 0, newServiceError(opProcessUpdate, "parent_update_failed", err)
		}
	}

	if decision == txnCreateCurrent || decision == txnPromote || decision == txnResurrectCurrent {
		if err := ap.cascadeParent(tx, childTag, parentTag); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// cascadeParent re-applies every live mapping of the child tag onto the
// parent tag. Parent resolution is a join-and-propagate, not a relabel: the
// child's mappings stay current.
func (ap *updateApplier) cascadeParent(tx *gorm.DB, childTag, parentTag string) error {
	var rows []MappingRow
	if err := tx.
		Where("service_key = ? AND tag = ? AND status IN ?", ap.serviceKey, childTag, []Status{StatusCurrent, StatusPetitioned}).
		Find(&rows).Error; err != nil {
		return newServiceError(opProcessUpdate, "parent_cascade_select_failed", err)
	}

	for _, mapping := range rows {
		var existing MappingRow
		state := rowState{found: true}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("service_key = ? AND tag = ? AND hash = ?", ap.serviceKey, parentTag, mapping.Hash).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state.found = false
		} else if err != nil {
			return newServiceError(opProcessUpdate, "parent_cascade_select_failed", err)
		} else {
			state.status = existing.Status
			state.accountKey = existing.AccountKey
			state.petitionerKey = existing.PetitionerKey
			state.committedAt = existing.CommittedAt
		}

		// The cascade always commits and always overwrites deletions.
		decision := decideTransition(content.ActionAdd, state, ap.account.Key(), true, true, ap.watermark)
		switch decision {
		case txnNone:
			continue
		case txnCreateCurrent:
			created := MappingRow{
				ServiceKey:  ap.serviceKey,
				Tag:         parentTag,
				Hash:        mapping.Hash,
				Status:      StatusCurrent,
				AccountKey:  ap.account.Key(),
				CreatedAt:   ap.now,
				CommittedAt: ap.now,
			}
			if err := tx.Create(&created).Error; err != nil {
				return newServiceError(opProcessUpdate, "parent_cascade_insert_failed", err)
			}
		default:
			updates := transitionUpdates(decision, ap.account.Key(), "", ap.now)
			if err := tx.Model(&MappingRow{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return newServiceError(opProcessUpdate, "parent_cascade_update_failed", err)
			}
		}
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("repository store error", attrs...)
}
