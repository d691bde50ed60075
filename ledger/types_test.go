package ledger

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDecodeInvoice(t *testing.T) {
	raw := []byte(`{
		"Id": "200",
		"SyncToken": "4",
		"DocNumber": "INV-200",
		"TxnDate": "2026-03-31",
		"TotalAmt": 512.50,
		"CustomerRef": {"value": "c1", "name": "Acme"},
		"MetaData": {"CreateTime": "2026-03-31T09:15:00Z"},
		"Line": [
			{
				"Amount": 512.50,
				"Description": "March services",
				"DetailType": "SalesItemLineDetail",
				"SalesItemLineDetail": {
					"ItemRef": {"value": "17", "name": "Inspection"},
					"Qty": 4.1,
					"UnitPrice": 125,
					"ServiceDate": "2026-03-10"
				}
			},
			{"Amount": 0, "DetailType": "SubTotalLineDetail"}
		]
	}`)

	var w invoiceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	inv, err := decodeInvoice(w)
	if err != nil {
		t.Fatalf("decodeInvoice: %v", err)
	}
	if inv.Id != "200" || inv.SyncToken != "4" || inv.DocNumber != "INV-200" {
		t.Fatalf("header mismatch: %+v", inv)
	}
	if inv.CustomerId != "c1" || inv.CustomerName != "Acme" {
		t.Fatalf("customer mismatch: %+v", inv)
	}
	if !inv.TotalAmt.Equal(decimal.RequireFromString("512.50")) {
		t.Fatalf("expected total 512.50, got %s", inv.TotalAmt)
	}
	// Non-sales lines (subtotals etc.) are not invoice content.
	if len(inv.Lines) != 1 {
		t.Fatalf("expected 1 sales line, got %d", len(inv.Lines))
	}
	line := inv.Lines[0]
	if line.ItemId != "17" || !line.Qty.Equal(decimal.RequireFromString("4.1")) {
		t.Fatalf("line mismatch: %+v", line)
	}
	if inv.CreateTime.IsZero() {
		t.Fatalf("expected create time to parse")
	}
}

func TestDecodeInvoice_MissingId(t *testing.T) {
	if _, err := decodeInvoice(invoiceWire{TotalAmt: "10"}); err == nil {
		t.Fatalf("expected error for payload without Id")
	}
}

func TestEncodeInvoiceDraft_FixedTwoDecimalAmounts(t *testing.T) {
	draft := InvoiceDraft{
		CustomerId: "c1",
		Lines: []InvoiceLine{
			{Amount: decimal.RequireFromString("39.999999999"), Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(40)},
		},
	}
	w := encodeInvoiceDraft(draft)
	if string(w.Line[0].Amount) != "40.00" {
		t.Fatalf("amounts must cross the wire with 2 decimals, got %s", w.Line[0].Amount)
	}
}

func TestFaultError_StaleObject(t *testing.T) {
	body := []byte(`{"Fault":{"Error":[{"Message":"Stale Object Error","Detail":"...","code":"5010"}]}}`)
	err := faultError(400, body)
	if !errors.Is(err, ErrStaleObject) {
		t.Fatalf("expected ErrStaleObject, got %v", err)
	}
}

func TestFaultError_OtherCode(t *testing.T) {
	body := []byte(`{"Fault":{"Error":[{"Message":"Invalid Reference","Detail":"bad item","code":"2500"}]}}`)
	err := faultError(400, body)
	if errors.Is(err, ErrStaleObject) {
		t.Fatalf("code 2500 must not map to stale object")
	}
	if err == nil {
		t.Fatalf("expected an error")
	}
}
