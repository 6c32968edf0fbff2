package content

import (
	"encoding/json"
	"testing"
)

func mustMappings(testContext *testing.T, tag string, hashes ...string) Content {
	testContext.Helper()
	row, err := NewMappings(tag, hashes)
	if err != nil {
		testContext.Fatalf("failed to build mappings content: %v", err)
	}
	return row
}

func TestVirtualWeightPerContentType(testContext *testing.T) {
	files, err := NewFiles([]string{"aa", "bb", "cc"})
	if err != nil {
		testContext.Fatalf("failed to build file content: %v", err)
	}
	if files.VirtualWeight() != 3 {
		testContext.Fatalf("expected file weight 3, got %d", files.VirtualWeight())
	}

	mappings := mustMappings(testContext, "blue sky", "aa", "bb")
	if mappings.VirtualWeight() != 2 {
		testContext.Fatalf("expected mappings weight 2, got %d", mappings.VirtualWeight())
	}

	sibling, err := NewTagSibling("lotus", "flower lotus")
	if err != nil {
		testContext.Fatalf("failed to build sibling content: %v", err)
	}
	if sibling.VirtualWeight() != 5 {
		testContext.Fatalf("expected sibling weight 5, got %d", sibling.VirtualWeight())
	}

	parent, err := NewTagParent("lotus", "flower")
	if err != nil {
		testContext.Fatalf("failed to build parent content: %v", err)
	}
	if parent.VirtualWeight() != 5000 {
		testContext.Fatalf("expected parent weight 5000, got %d", parent.VirtualWeight())
	}
}

func TestNormalizedFoldsSingleMappingIntoBatch(testContext *testing.T) {
	if TypeMapping.Normalized() != TypeMappings {
		testContext.Fatalf("expected mapping to normalize to mappings")
	}
	if TypeFiles.Normalized() != TypeFiles {
		testContext.Fatalf("expected files to normalize to itself")
	}
}

func TestPairConstructorsRejectDegeneratePairs(testContext *testing.T) {
	if _, err := NewTagSibling("same", "same"); err == nil {
		testContext.Fatalf("expected identical sibling tags to be rejected")
	}
	if _, err := NewTagParent("", "flower"); err == nil {
		testContext.Fatalf("expected empty child tag to be rejected")
	}
	if _, err := NewMappings("", []string{"aa"}); err == nil {
		testContext.Fatalf("expected empty mapping tag to be rejected")
	}
	if _, err := NewFiles(nil); err == nil {
		testContext.Fatalf("expected empty file hash list to be rejected")
	}
}

func TestContentJSONRoundTrip(testContext *testing.T) {
	original := mustMappings(testContext, "blue sky", "aa", "bb")

	data, err := json.Marshal(original)
	if err != nil {
		testContext.Fatalf("failed to marshal content: %v", err)
	}
	var decoded Content
	if err := json.Unmarshal(data, &decoded); err != nil {
		testContext.Fatalf("failed to unmarshal content: %v", err)
	}

	if decoded.Type() != TypeMappings {
		testContext.Fatalf("expected mappings type, got %v", decoded.Type())
	}
	if decoded.Tag() != "blue sky" {
		testContext.Fatalf("expected tag to survive, got %q", decoded.Tag())
	}
	hashes := decoded.Hashes()
	if len(hashes) != 2 || hashes[0] != "aa" || hashes[1] != "bb" {
		testContext.Fatalf("expected hashes to survive, got %v", hashes)
	}
}

func TestContentHashesAreDefensivelyCopied(testContext *testing.T) {
	source := []string{"aa", "bb"}
	row := mustMappings(testContext, "blue sky", source...)
	source[0] = "mutated"

	hashes := row.Hashes()
	if hashes[0] != "aa" {
		testContext.Fatalf("expected content to be isolated from caller mutation, got %q", hashes[0])
	}
	hashes[1] = "mutated"
	if row.Hashes()[1] != "bb" {
		testContext.Fatalf("expected returned slice to be a copy")
	}
}

func TestUpdateNumRowsCountsMappingHashes(testContext *testing.T) {
	update := NewContentUpdate()
	update.AddRow(ActionPend, mustMappings(testContext, "blue sky", "aa", "bb", "cc"))

	sibling, err := NewTagSibling("lotus", "flower lotus")
	if err != nil {
		testContext.Fatalf("failed to build sibling content: %v", err)
	}
	update.AddRow(ActionPend, sibling)

	if update.NumRows() != 4 {
		testContext.Fatalf("expected 4 rows (3 hashes + 1 pair), got %d", update.NumRows())
	}
}

func TestUpdateJSONRoundTripKeepsReasons(testContext *testing.T) {
	update := NewContentUpdate()
	update.AddRow(ActionPetition, mustMappings(testContext, "blue sky", "aa"))
	update.SetReason(ActionPetition, "wrong tag")

	data, err := json.Marshal(update)
	if err != nil {
		testContext.Fatalf("failed to marshal update: %v", err)
	}
	decoded := NewContentUpdate()
	if err := json.Unmarshal(data, decoded); err != nil {
		testContext.Fatalf("failed to unmarshal update: %v", err)
	}

	if decoded.Reason(ActionPetition) != "wrong tag" {
		testContext.Fatalf("expected reason to survive, got %q", decoded.Reason(ActionPetition))
	}
	entries := decoded.Entries()
	if len(entries) != 1 || entries[0].Action != ActionPetition || entries[0].Type != TypeMappings {
		testContext.Fatalf("unexpected entries after round trip: %+v", entries)
	}
}
