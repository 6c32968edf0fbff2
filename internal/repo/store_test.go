package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/hydrusnetwork/tagrepo/internal/accounts"
	"github.com/hydrusnetwork/tagrepo/internal/apperr"
	"github.com/hydrusnetwork/tagrepo/internal/content"
	"github.com/hydrusnetwork/tagrepo/internal/vault"
)

const testServiceKey = "svc-test"

// testClock is a hand-advanced clock shared by every component under test.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// testEnv wires a full repository core against in-memory storage.
type testEnv struct {
	db       *gorm.DB
	clock    *testClock
	accounts *accounts.Service
	store    *Store
	builder  *Builder
	vault    *vault.MemoryVault
}

func newTestEnv(testContext *testing.T, name string) *testEnv {
	testContext.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&accounts.AccountRecord{}, &accounts.AccountTypeRecord{},
		&accounts.AccountTypeEdit{}, &accounts.RegistrationKeyRecord{},
		&MappingRow{}, &FileRow{}, &TagSiblingRow{}, &TagParentRow{},
		&ServiceRecord{}, &UpdateRecord{},
	); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{now: time.Unix(1_000_000, 0)}
	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:    db,
		Clock:       clock.Now,
		KeyProvider: accounts.NewUUIDKeyProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build account service: %v", err)
	}

	locks := NewServiceLocks()
	store, err := NewStore(StoreConfig{
		Database: db,
		Accounts: accountService,
		Locks:    locks,
		Clock:    clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	memoryVault := vault.NewMemoryVault()
	builder, err := NewBuilder(BuilderConfig{
		Database: db,
		Vault:    memoryVault,
		Locks:    locks,
		Clock:    clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to build builder: %v", err)
	}

	return &testEnv{
		db:       db,
		clock:    clock,
		accounts: accountService,
		store:    store,
		builder:  builder,
		vault:    memoryVault,
	}
}

func (env *testEnv) ensureService(testContext *testing.T, period time.Duration) ServiceRecord {
	testContext.Helper()
	record, err := env.store.EnsureService(context.Background(), testServiceKey, "test repository", period)
	if err != nil {
		testContext.Fatalf("failed to ensure service: %v", err)
	}
	return record
}

func uniformPermissions(level accounts.PermissionLevel) accounts.PermissionMap {
	var permissions accounts.PermissionMap
	for i := range permissions {
		permissions[i] = level
	}
	permissions[content.TypeAccounts] = accounts.PermissionNone
	return permissions
}

// newAccount registers an account of a fresh type holding the given level
// on every content domain.
func (env *testEnv) newAccount(testContext *testing.T, name string, permissions accounts.PermissionMap) *accounts.Account {
	testContext.Helper()
	ctx := context.Background()

	accountType, err := env.accounts.CreateAccountType(ctx, testServiceKey, name, name, permissions, accounts.BandwidthRules{})
	if err != nil {
		testContext.Fatalf("failed to create account type %s: %v", name, err)
	}
	account, err := accounts.NewAccount("acct-"+name, accountType, env.clock.Now().Unix(), nil, nil, accounts.BandwidthTracker{}, 0)
	if err != nil {
		testContext.Fatalf("failed to build account %s: %v", name, err)
	}
	record := accounts.AccountRecord{
		ServiceKey:     testServiceKey,
		AccountKey:     account.Key(),
		AccountTypeKey: name,
		CreatedAt:      env.clock.Now().Unix(),
		BandwidthJSON:  "{}",
	}
	if err := env.db.Create(&record).Error; err != nil {
		testContext.Fatalf("failed to persist account %s: %v", name, err)
	}
	return account
}

func (env *testEnv) moderator(testContext *testing.T) *accounts.Account {
	return env.newAccount(testContext, "moderator", uniformPermissions(accounts.PermissionOverrule))
}

func (env *testEnv) creator(testContext *testing.T) *accounts.Account {
	return env.newAccount(testContext, "creator", uniformPermissions(accounts.PermissionCreate))
}

func (env *testEnv) petitioner(testContext *testing.T) *accounts.Account {
	return env.newAccount(testContext, "petitioner", uniformPermissions(accounts.PermissionPetition))
}

func pendMappings(testContext *testing.T, tag string, hashes ...string) *content.ContentUpdate {
	testContext.Helper()
	row, err := content.NewMappings(tag, hashes)
	if err != nil {
		testContext.Fatalf("failed to build mappings content: %v", err)
	}
	update := content.NewContentUpdate()
	update.AddRow(content.ActionPend, row)
	return update
}

func (env *testEnv) mappingRow(testContext *testing.T, tag, hash string) MappingRow {
	testContext.Helper()
	var row MappingRow
	if err := env.db.Where("service_key = ? AND tag = ? AND hash = ?", testServiceKey, tag, hash).Take(&row).Error; err != nil {
		testContext.Fatalf("failed to load mapping row %s/%s: %v", tag, hash, err)
	}
	return row
}

func TestPendFromCreateLevelCommitsDirectly(testContext *testing.T) {
	env := newTestEnv(testContext, "store_pend_create")
	env.ensureService(testContext, 100*time.Second)
	creator := env.creator(testContext)

	result, err := env.store.ProcessUpdate(context.Background(), testServiceKey, creator, pendMappings(testContext, "blue sky", "aa", "bb"))
	if err != nil {
		testContext.Fatalf("failed to process update: %v", err)
	}
	if result.AffectedRows != 2 {
		testContext.Fatalf("expected 2 affected rows, got %d", result.AffectedRows)
	}

	row := env.mappingRow(testContext, "blue sky", "aa")
	if row.Status != StatusCurrent {
		testContext.Fatalf("expected create-level pend to commit directly, got %v", row.Status)
	}
	if row.CommittedAt == 0 {
		testContext.Fatalf("expected committed timestamp to be set")
	}
}

func TestPendFromPetitionLevelStaysPending(testContext *testing.T) {
	env := newTestEnv(testContext, "store_pend_petition")
	env.ensureService(testContext, 100*time.Second)
	petitioner := env.petitioner(testContext)

	update := pendMappings(testContext, "blue sky", "aa")
	update.SetReason(content.ActionPend, "seen in the wild")
	if _, err := env.store.ProcessUpdate(context.Background(), testServiceKey, petitioner, update); err != nil {
		testContext.Fatalf("failed to process update: %v", err)
	}

	row := env.mappingRow(testContext, "blue sky", "aa")
	if row.Status != StatusPending {
		testContext.Fatalf("expected petition-level pend to stay pending, got %v", row.Status)
	}
	if row.CommittedAt != 0 {
		testContext.Fatalf("expected pending row to be uncommitted")
	}
	if row.Reason != "seen in the wild" {
		testContext.Fatalf("expected pend reason to persist, got %q", row.Reason)
	}
}

func TestPendReplayIsIdempotent(testContext *testing.T) {
	env := newTestEnv(testContext, "store_pend_replay")
	env.ensureService(testContext, 100*time.Second)
	creator := env.creator(testContext)
	ctx := context.Background()

	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, pendMappings(testContext, "blue sky", "aa")); err != nil {
		testContext.Fatalf("failed to process first update: %v", err)
	}
	result, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, pendMappings(testContext, "blue sky", "aa"))
	if err != nil {
		testContext.Fatalf("failed to process replay: %v", err)
	}
	if result.AffectedRows != 0 {
		testContext.Fatalf("expected replay to be a no-op, got %d affected rows", result.AffectedRows)
	}

	var count int64
	if err := env.db.Model(&MappingRow{}).Where("service_key = ?", testServiceKey).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected a single row, got %d", count)
	}
}

func TestProcessUpdateRejectsWholeBundleOnPermissionFailure(testContext *testing.T) {
	env := newTestEnv(testContext, "store_bundle_atomic")
	env.ensureService(testContext, 100*time.Second)
	petitioner := env.petitioner(testContext)

	update := pendMappings(testContext, "blue sky", "aa")
	sibling, err := content.NewTagSibling("lotus", "flower lotus")
	if err != nil {
		testContext.Fatalf("failed to build sibling: %v", err)
	}
	// Direct adds need overrule, which the petitioner lacks.
	update.AddRow(content.ActionAdd, sibling)

	if _, err := env.store.ProcessUpdate(context.Background(), testServiceKey, petitioner, update); !errors.Is(err, apperr.ErrPermission) {
		testContext.Fatalf("expected permission error, got %v", err)
	}

	var count int64
	if err := env.db.Model(&MappingRow{}).Where("service_key = ?", testServiceKey).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count rows: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected no rows after rejected bundle, got %d", count)
	}
}

func TestProcessUpdateRejectsEmptyAndAccountTargets(testContext *testing.T) {
	env := newTestEnv(testContext, "store_bundle_invalid")
	env.ensureService(testContext, 100*time.Second)
	moderator := env.moderator(testContext)
	ctx := context.Background()

	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, moderator, content.NewContentUpdate()); !errors.Is(err, apperr.ErrDataMissing) {
		testContext.Fatalf("expected data-missing error for empty bundle, got %v", err)
	}
}

func TestRescindPendRequiresOwnership(testContext *testing.T) {
	env := newTestEnv(testContext, "store_rescind")
	env.ensureService(testContext, 100*time.Second)
	owner := env.petitioner(testContext)
	other := env.newAccount(testContext, "petitioner-2", uniformPermissions(accounts.PermissionPetition))
	ctx := context.Background()

	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, owner, pendMappings(testContext, "blue sky", "aa")); err != nil {
		testContext.Fatalf("failed to pend: %v", err)
	}

	rescind := content.NewContentUpdate()
	row, err := content.NewMappings("blue sky", []string{"aa"})
	if err != nil {
		testContext.Fatalf("failed to build content: %v", err)
	}
	rescind.AddRow(content.ActionRescindPend, row)

	result, err := env.store.ProcessUpdate(ctx, testServiceKey, other, rescind)
	if err != nil {
		testContext.Fatalf("foreign rescind failed: %v", err)
	}
	if result.AffectedRows != 0 {
		testContext.Fatalf("expected foreign rescind to be a no-op, got %d", result.AffectedRows)
	}

	result, err = env.store.ProcessUpdate(ctx, testServiceKey, owner, rescind)
	if err != nil {
		testContext.Fatalf("owner rescind failed: %v", err)
	}
	if result.AffectedRows != 1 {
		testContext.Fatalf("expected owner rescind to drop the row, got %d", result.AffectedRows)
	}

	var count int64
	if err := env.db.Model(&MappingRow{}).Where("service_key = ?", testServiceKey).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count rows: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected pending row to be gone, got %d", count)
	}
}

func TestDeletedRowBlocksRePendWithoutOverrule(testContext *testing.T) {
	env := newTestEnv(testContext, "store_deleted_pend")
	env.ensureService(testContext, 100*time.Second)
	creator := env.creator(testContext)
	moderator := env.moderator(testContext)
	ctx := context.Background()

	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, pendMappings(testContext, "blue sky", "aa")); err != nil {
		testContext.Fatalf("failed to commit: %v", err)
	}

	deletion := content.NewContentUpdate()
	row, err := content.NewMappings("blue sky", []string{"aa"})
	if err != nil {
		testContext.Fatalf("failed to build content: %v", err)
	}
	deletion.AddRow(content.ActionDelete, row)
	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, moderator, deletion); err != nil {
		testContext.Fatalf("failed to delete: %v", err)
	}

	result, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, pendMappings(testContext, "blue sky", "aa"))
	if err != nil {
		testContext.Fatalf("re-pend failed: %v", err)
	}
	if result.AffectedRows != 0 {
		testContext.Fatalf("expected deletion to win over re-pend, got %d affected", result.AffectedRows)
	}
	if env.mappingRow(testContext, "blue sky", "aa").Status != StatusDeleted {
		testContext.Fatalf("expected row to stay deleted")
	}

	result, err = env.store.ProcessUpdate(ctx, testServiceKey, moderator, pendMappings(testContext, "blue sky", "aa"))
	if err != nil {
		testContext.Fatalf("overrule re-pend failed: %v", err)
	}
	if result.AffectedRows != 1 {
		testContext.Fatalf("expected overrule to resurrect, got %d affected", result.AffectedRows)
	}
	if env.mappingRow(testContext, "blue sky", "aa").Status != StatusCurrent {
		testContext.Fatalf("expected row to be resurrected current")
	}
}

func TestDeleteGuardedBySealedWatermark(testContext *testing.T) {
	env := newTestEnv(testContext, "store_watermark")
	env.ensureService(testContext, 100*time.Second)
	creator := env.creator(testContext)
	moderator := env.moderator(testContext)
	ctx := context.Background()

	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, pendMappings(testContext, "old tag", "aa")); err != nil {
		testContext.Fatalf("failed to commit old row: %v", err)
	}

	// Seal a window ending now, then commit a row after it.
	sealedEnd := env.clock.Now().Unix()
	sealed := UpdateRecord{
		ServiceKey:        testServiceKey,
		UpdateIndex:       0,
		BeginSeconds:      sealedEnd - 99,
		EndSeconds:        sealedEnd,
		PackageHashesJSON: "[]",
		CreatedAt:         sealedEnd,
	}
	if err := env.db.Create(&sealed).Error; err != nil {
		testContext.Fatalf("failed to insert sealed window: %v", err)
	}

	env.clock.Advance(50 * time.Second)
	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, pendMappings(testContext, "new tag", "bb")); err != nil {
		testContext.Fatalf("failed to commit new row: %v", err)
	}

	deleteTag := func(tag, hash string) ApplyResult {
		update := content.NewContentUpdate()
		row, err := content.NewMappings(tag, []string{hash})
		if err != nil {
			testContext.Fatalf("failed to build content: %v", err)
		}
		update.AddRow(content.ActionDelete, row)
		result, err := env.store.ProcessUpdate(ctx, testServiceKey, moderator, update)
		if err != nil {
			testContext.Fatalf("delete failed: %v", err)
		}
		return result
	}

	if result := deleteTag("new tag", "bb"); result.AffectedRows != 0 {
		testContext.Fatalf("expected unsealed row to resist deletion, got %d affected", result.AffectedRows)
	}
	if env.mappingRow(testContext, "new tag", "bb").Status != StatusCurrent {
		testContext.Fatalf("expected unsealed row to stay current")
	}

	if result := deleteTag("old tag", "aa"); result.AffectedRows != 1 {
		testContext.Fatalf("expected sealed row to delete, got %d affected", result.AffectedRows)
	}
	if env.mappingRow(testContext, "old tag", "aa").Status != StatusDeleted {
		testContext.Fatalf("expected sealed row to be deleted")
	}
}

func TestParentCommitCascadesChildMappings(testContext *testing.T) {
	env := newTestEnv(testContext, "store_parent_cascade")
	env.ensureService(testContext, 100*time.Second)
	creator := env.creator(testContext)
	ctx := context.Background()

	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, pendMappings(testContext, "lotus", "aa", "bb")); err != nil {
		testContext.Fatalf("failed to commit child mappings: %v", err)
	}
	// One hash already carries the parent tag.
	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, pendMappings(testContext, "flower", "aa")); err != nil {
		testContext.Fatalf("failed to commit parent mapping: %v", err)
	}

	parentUpdate := content.NewContentUpdate()
	pair, err := content.NewTagParent("lotus", "flower")
	if err != nil {
		testContext.Fatalf("failed to build parent pair: %v", err)
	}
	parentUpdate.AddRow(content.ActionPend, pair)
	if _, err := env.store.ProcessUpdate(ctx, testServiceKey, creator, parentUpdate); err != nil {
		testContext.Fatalf("failed to commit parent pair: %v", err)
	}

	for _, hash := range []string{"aa", "bb"} {
		row := env.mappingRow(testContext, "flower", hash)
		if row.Status != StatusCurrent {
			testContext.Fatalf("expected cascaded mapping flower/%s to be current, got %v", hash, row.Status)
		}
	}
	// The child's own mappings are untouched.
	if env.mappingRow(testContext, "lotus", "aa").Status != StatusCurrent {
		testContext.Fatalf("expected child mappings to stay current")
	}

	var count int64
	if err := env.db.Model(&MappingRow{}).Where("service_key = ? AND tag = ?", testServiceKey, "flower").Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count parent rows: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected exactly 2 parent mappings, got %d", count)
	}
}
