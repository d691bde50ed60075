package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func testCatalog() *RateCatalog {
	active := true
	return BuildRateCatalog([]RateCatalogEntry{
		{ID: 1, LedgerItemId: "17", Name: "Inspection", UnitPrice: decimal.NewFromInt(120), IsActive: &active},
		{ID: 2, LedgerItemId: "23", Name: "Follow Up", UnitPrice: decimal.NewFromInt(95), IsActive: &active},
		{ID: 3, LedgerItemId: "31", Name: "Consulting: Remote", UnitPrice: decimal.NewFromInt(150), IsActive: &active},
	})
}

func TestResolve_DirectItemIdWins(t *testing.T) {
	catalog := testCatalog()

	entry, ok := catalog.Resolve("23", "Inspection")
	if !ok {
		t.Fatalf("expected a match")
	}
	if entry.LedgerItemId != "23" {
		t.Fatalf("item id must take priority over name, got entry %q", entry.LedgerItemId)
	}
}

func TestResolve_ExactName(t *testing.T) {
	catalog := testCatalog()

	entry, ok := catalog.Resolve("", "Inspection")
	if !ok || entry.LedgerItemId != "17" {
		t.Fatalf("expected Inspection (17), got ok=%v entry=%q", ok, entry.LedgerItemId)
	}
}

func TestResolve_LowercaseName(t *testing.T) {
	catalog := testCatalog()

	entry, ok := catalog.Resolve("", "inspection")
	if !ok || entry.LedgerItemId != "17" {
		t.Fatalf("expected case-insensitive match on Inspection, got ok=%v entry=%q", ok, entry.LedgerItemId)
	}
}

func TestResolve_LeafSegment(t *testing.T) {
	catalog := testCatalog()

	// No entry named "Inspection: Follow Up"; the leaf after the last ":"
	// resolves to the Follow Up entry.
	entry, ok := catalog.Resolve("", "Inspection: Follow Up")
	if !ok || entry.LedgerItemId != "23" {
		t.Fatalf("expected leaf match on Follow Up (23), got ok=%v entry=%q", ok, entry.LedgerItemId)
	}
}

func TestResolve_ParentSegment(t *testing.T) {
	catalog := testCatalog()

	// Leaf "Site Visit" is unknown; the parent before the first ":" matches.
	entry, ok := catalog.Resolve("", "Inspection: Site Visit")
	if !ok || entry.LedgerItemId != "17" {
		t.Fatalf("expected parent match on Inspection (17), got ok=%v entry=%q", ok, entry.LedgerItemId)
	}
}

func TestResolve_FullHierarchicalNameBeatsSegments(t *testing.T) {
	catalog := testCatalog()

	// "Consulting: Remote" exists as a full name; it must not fall through to
	// segment resolution.
	entry, ok := catalog.Resolve("", "Consulting: Remote")
	if !ok || entry.LedgerItemId != "31" {
		t.Fatalf("expected full-name match (31), got ok=%v entry=%q", ok, entry.LedgerItemId)
	}
}

func TestResolve_ExactEntryBeatsParentFallback(t *testing.T) {
	active := true
	both := BuildRateCatalog([]RateCatalogEntry{
		{LedgerItemId: "1", Name: "Inspection", UnitPrice: decimal.NewFromInt(100), IsActive: &active},
		{LedgerItemId: "2", Name: "Inspection: Punch List", UnitPrice: decimal.NewFromInt(120), IsActive: &active},
	})
	entry, ok := both.Resolve("", "Inspection: Punch List")
	if !ok || entry.LedgerItemId != "2" {
		t.Fatalf("exact hierarchical entry must win over the parent, got ok=%v entry=%q", ok, entry.LedgerItemId)
	}

	parentOnly := BuildRateCatalog([]RateCatalogEntry{
		{LedgerItemId: "1", Name: "Inspection", UnitPrice: decimal.NewFromInt(100), IsActive: &active},
	})
	entry, ok = parentOnly.Resolve("", "Inspection: Punch List")
	if !ok || entry.LedgerItemId != "1" {
		t.Fatalf("expected parent fallback, got ok=%v entry=%q", ok, entry.LedgerItemId)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	catalog := testCatalog()

	if _, ok := catalog.Resolve("", "Unknown Service"); ok {
		t.Fatalf("expected no match for unknown name")
	}
	if _, ok := catalog.Resolve("999", ""); ok {
		t.Fatalf("expected no match for unknown item id with empty name")
	}
	if _, ok := catalog.Resolve("", ""); ok {
		t.Fatalf("expected no match for empty lookup")
	}
}
