package models

import "testing"

func TestValidateAction(t *testing.T) {
	unmatched := &BillingStagingRow{ID: 1}
	matched := &BillingStagingRow{ID: 2, MatchedInvoiceId: "200"}

	if err := unmatched.ValidateAction(StagingActionCreateNew); err != nil {
		t.Fatalf("create_new must always validate: %v", err)
	}
	if err := unmatched.ValidateAction(StagingActionSkip); err != nil {
		t.Fatalf("skip must always validate: %v", err)
	}
	if err := unmatched.ValidateAction(StagingActionUpdateExisting); err == nil {
		t.Fatalf("update_existing without a matched invoice must be rejected")
	}
	if err := matched.ValidateAction(StagingActionUpdateExisting); err != nil {
		t.Fatalf("update_existing with a matched invoice must validate: %v", err)
	}
	if err := matched.ValidateAction(StagingActionPending); err == nil {
		t.Fatalf("pending is not an executable action")
	}
}
