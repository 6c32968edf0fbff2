package accounts

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hydrusnetwork/tagrepo/internal/apperr"
	"github.com/hydrusnetwork/tagrepo/internal/content"
)

func mustAccountType(testContext *testing.T, key string, permissions PermissionMap, bandwidth BandwidthRules) *AccountType {
	testContext.Helper()
	accountType, err := NewAccountType(key, key, permissions, bandwidth)
	if err != nil {
		testContext.Fatalf("failed to build account type: %v", err)
	}
	return accountType
}

func mustAccount(testContext *testing.T, key string, accountType *AccountType) *Account {
	testContext.Helper()
	account, err := NewAccount(key, accountType, 100, nil, nil, BandwidthTracker{}, 0)
	if err != nil {
		testContext.Fatalf("failed to build account: %v", err)
	}
	return account
}

func petitionerPermissions() PermissionMap {
	var permissions PermissionMap
	for i := range permissions {
		permissions[i] = PermissionPetition
	}
	permissions[content.TypeAccounts] = PermissionNone
	return permissions
}

func TestPermissionLevelsAreMonotonic(testContext *testing.T) {
	levels := []PermissionLevel{PermissionNone, PermissionPetition, PermissionCreate, PermissionOverrule}
	for i, held := range levels {
		var permissions PermissionMap
		permissions[content.TypeMappings] = held
		for j, required := range levels {
			satisfied := permissions.Satisfies(content.TypeMappings, required)
			if (j <= i) != satisfied {
				testContext.Fatalf("held %s vs required %s: got satisfied=%v", held, required, satisfied)
			}
		}
	}
}

func TestPermissionMapNormalizesSingleMappings(testContext *testing.T) {
	var permissions PermissionMap
	permissions[content.TypeMappings] = PermissionCreate

	if !permissions.Satisfies(content.TypeMapping, PermissionCreate) {
		testContext.Fatalf("expected single-mapping checks to use the mappings column")
	}
}

func TestCheckFunctionalBanAndExpiry(testContext *testing.T) {
	now := time.Unix(1_000_000, 0)
	accountType := mustAccountType(testContext, "petitioner", petitionerPermissions(), BandwidthRules{})
	account := mustAccount(testContext, "acct-1", accountType)

	if err := account.CheckFunctional(now); err != nil {
		testContext.Fatalf("expected fresh account to be functional: %v", err)
	}

	lifetime := time.Hour
	account.ApplyBan("spam", now, &lifetime)
	if err := account.CheckFunctional(now); !errors.Is(err, apperr.ErrPermission) {
		testContext.Fatalf("expected banned account to fail with a permission error, got %v", err)
	}
	if err := account.CheckFunctional(now.Add(2 * time.Hour)); err != nil {
		testContext.Fatalf("expected timed ban to lapse: %v", err)
	}

	account.ClearBan()
	expires := now.Add(time.Minute).Unix()
	account.SetExpires(&expires)
	if err := account.CheckFunctional(now.Add(2 * time.Minute)); !errors.Is(err, apperr.ErrPermission) {
		testContext.Fatalf("expected expired account to fail, got %v", err)
	}
}

func TestCheckFunctionalBandwidthCap(testContext *testing.T) {
	now := time.Unix(1_000_000, 0)
	rules := BandwidthRules{Rules: []BandwidthRule{{Kind: RuleKindBytes, WindowSeconds: secondsPerDay, Max: 100}}}
	accountType := mustAccountType(testContext, "petitioner", petitionerPermissions(), rules)
	account := mustAccount(testContext, "acct-1", accountType)

	account.RequestMade(now, 50)
	if err := account.CheckFunctional(now); err != nil {
		testContext.Fatalf("expected account under cap to be functional: %v", err)
	}
	account.RequestMade(now, 60)
	if err := account.CheckFunctional(now); !errors.Is(err, apperr.ErrPermission) {
		testContext.Fatalf("expected account over cap to fail, got %v", err)
	}
}

func TestAdminBypassesFunctionalChecks(testContext *testing.T) {
	now := time.Unix(1_000_000, 0)
	rules := BandwidthRules{Rules: []BandwidthRule{{Kind: RuleKindRequests, WindowSeconds: 0, Max: 1}}}
	accountType := mustAccountType(testContext, AdminTypeKey, AdminPermissions(), rules)
	account := mustAccount(testContext, "admin-1", accountType)

	account.ApplyBan("self-inflicted", now, nil)
	account.RequestMade(now, 10_000)
	account.RequestMade(now, 10_000)

	if err := account.CheckFunctional(now); err != nil {
		testContext.Fatalf("expected admin to bypass functional checks: %v", err)
	}
}

func TestRequestMadeMarksDirtyAndAccumulates(testContext *testing.T) {
	now := time.Unix(1_000_000, 0)
	accountType := mustAccountType(testContext, "petitioner", petitionerPermissions(), BandwidthRules{})
	account := mustAccount(testContext, "acct-1", accountType)

	if account.Dirty() {
		testContext.Fatalf("expected fresh account to be clean")
	}
	account.RequestMade(now, 10)
	account.RequestMade(now, 15)
	if !account.Dirty() {
		testContext.Fatalf("expected request accounting to dirty the account")
	}

	tracker := account.Tracker()
	usedBytes, usedRequests := tracker.UsageSince(now, 0)
	if usedBytes != 25 || usedRequests != 2 {
		testContext.Fatalf("expected 25 bytes over 2 requests, got %d/%d", usedBytes, usedRequests)
	}
}

func TestBandwidthTrackerPrunesOldDays(testContext *testing.T) {
	tracker := BandwidthTracker{}
	ancient := time.Unix(1_000_000, 0)
	tracker.RequestMade(ancient, 10)
	tracker.RequestMade(ancient.Add(401*24*time.Hour), 20)

	usedBytes, _ := tracker.UsageSince(ancient.Add(401*24*time.Hour), 0)
	if usedBytes != 20 {
		testContext.Fatalf("expected the ancient bucket to be pruned, got %d bytes", usedBytes)
	}
}

func TestAddScoreAccumulates(testContext *testing.T) {
	accountType := mustAccountType(testContext, "petitioner", petitionerPermissions(), BandwidthRules{})
	account := mustAccount(testContext, "acct-1", accountType)

	account.AddScore(5)
	account.AddScore(-2)
	if account.Score() != 3 {
		testContext.Fatalf("expected score 3, got %d", account.Score())
	}
}

func TestPermissionReadsAreSafeDuringTypeRebind(testContext *testing.T) {
	petitionerType := mustAccountType(testContext, "petitioner", petitionerPermissions(), BandwidthRules{})
	creatorPermissions := petitionerPermissions()
	creatorPermissions[content.TypeMappings] = PermissionCreate
	creatorType := mustAccountType(testContext, "creator", creatorPermissions, BandwidthRules{})
	account := mustAccount(testContext, "acct-1", petitionerType)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		types := []*AccountType{creatorType, petitionerType}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			account.SetType(types[i%2])
		}
	}()

	now := time.Unix(1_000_000, 0)
	for i := 0; i < 1_000; i++ {
		// Whichever type is bound, the petition level holds; the reads
		// must never observe a torn reference.
		if err := account.CheckPermission(content.TypeMappings, PermissionPetition); err != nil {
			testContext.Fatalf("expected petition level under either type: %v", err)
		}
		if account.IsAdmin() {
			testContext.Fatalf("expected a non-admin account")
		}
		_ = account.HasPermission(content.TypeMappings, PermissionCreate)
		if err := account.CheckFunctional(now); err != nil {
			testContext.Fatalf("expected functional account: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
