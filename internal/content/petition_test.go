package content

import (
	"testing"
)

func TestNewPetitionRejectsResolvedActions(testContext *testing.T) {
	row := mustMappings(testContext, "blue sky", "aa")

	if _, err := NewPetition(ActionAdd, "acct-1", "reason", []Content{row}); err == nil {
		testContext.Fatalf("expected add action to be rejected")
	}
	if _, err := NewPetition(ActionPend, "", "reason", []Content{row}); err == nil {
		testContext.Fatalf("expected missing petitioner to be rejected")
	}
	if _, err := NewPetition(ActionPend, "acct-1", "reason", nil); err == nil {
		testContext.Fatalf("expected empty contents to be rejected")
	}
}

func TestApprovalOfPendBecomesAdd(testContext *testing.T) {
	row := mustMappings(testContext, "blue sky", "aa", "bb")
	petition, err := NewPetition(ActionPend, "acct-1", "looks right", []Content{row})
	if err != nil {
		testContext.Fatalf("failed to build petition: %v", err)
	}

	serverUpdate, clientUpdate := petition.Approval(petition.Contents())
	if serverUpdate.AccountKey != "acct-1" {
		testContext.Fatalf("expected petitioner to own the replay, got %q", serverUpdate.AccountKey)
	}
	entries := serverUpdate.Update.Entries()
	if len(entries) != 1 || entries[0].Action != ActionAdd {
		testContext.Fatalf("expected a single add entry, got %+v", entries)
	}
	if serverUpdate.Update.Reason(ActionAdd) != "looks right" {
		testContext.Fatalf("expected reason to carry over")
	}
	if clientUpdate.NumRows() != 2 {
		testContext.Fatalf("expected client update to mirror rows, got %d", clientUpdate.NumRows())
	}
}

func TestApprovalOfRemovalPetitionBecomesDelete(testContext *testing.T) {
	row := mustMappings(testContext, "blue sky", "aa")
	petition, err := NewPetition(ActionPetition, "acct-2", "wrong tag", []Content{row})
	if err != nil {
		testContext.Fatalf("failed to build petition: %v", err)
	}

	serverUpdate, _ := petition.Approval(petition.Contents())
	entries := serverUpdate.Update.Entries()
	if len(entries) != 1 || entries[0].Action != ActionDelete {
		testContext.Fatalf("expected a single delete entry, got %+v", entries)
	}
}

func TestApprovalHonorsPartialSubset(testContext *testing.T) {
	keep := mustMappings(testContext, "blue sky", "aa")
	drop := mustMappings(testContext, "red sky", "bb")
	petition, err := NewPetition(ActionPetition, "acct-2", "wrong tag", []Content{keep, drop})
	if err != nil {
		testContext.Fatalf("failed to build petition: %v", err)
	}

	serverUpdate, _ := petition.Approval([]Content{keep})
	if serverUpdate.Update.NumRows() != 1 {
		testContext.Fatalf("expected only the approved subset, got %d rows", serverUpdate.Update.NumRows())
	}
}

func TestDenialMapsToDenyActions(testContext *testing.T) {
	row := mustMappings(testContext, "blue sky", "aa")

	pend, err := NewPetition(ActionPend, "acct-1", "", []Content{row})
	if err != nil {
		testContext.Fatalf("failed to build pend petition: %v", err)
	}
	denial := pend.Denial()
	if entries := denial.Update.Entries(); len(entries) != 1 || entries[0].Action != ActionDenyPend {
		testContext.Fatalf("expected deny_pend entry, got %+v", denial.Update.Entries())
	}

	removal, err := NewPetition(ActionPetition, "acct-2", "wrong", []Content{row})
	if err != nil {
		testContext.Fatalf("failed to build removal petition: %v", err)
	}
	denial = removal.Denial()
	if entries := denial.Update.Entries(); len(entries) != 1 || entries[0].Action != ActionDenyPetition {
		testContext.Fatalf("expected deny_petition entry, got %+v", denial.Update.Entries())
	}
}
