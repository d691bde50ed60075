// Package ledger is the client for the external accounting ledger. Every
// entity the ledger returns carries an opaque SyncToken; any write that
// targets an existing entity must carry a SyncToken read no earlier than
// immediately before that write, or the ledger rejects it as stale.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrStaleObject is returned when a write carried an outdated SyncToken.
	// Not retried automatically: the caller must re-read and re-decide.
	ErrStaleObject = errors.New("ledger rejected write: stale sync token")
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("ledger entity not found")
)

const (
	BillableStatusBillable      = "Billable"
	BillableStatusHasBeenBilled = "HasBeenBilled"

	detailTypeSalesItemLine = "SalesItemLineDetail"
	ledgerDateLayout        = "2006-01-02"

	// Fault code the ledger uses for optimistic-concurrency rejections.
	faultCodeStaleObject = "5010"
)

type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

// Wire shapes. Amounts cross the wire as json.Number and are converted to
// decimal.Decimal at the decode boundary below; nothing loosely typed travels
// past this package.

type invoiceWire struct {
	Id          string        `json:"Id,omitempty"`
	SyncToken   string        `json:"SyncToken,omitempty"`
	DocNumber   string        `json:"DocNumber,omitempty"`
	TxnDate     string        `json:"TxnDate,omitempty"`
	TotalAmt    json.Number   `json:"TotalAmt,omitempty"`
	CustomerRef *Ref          `json:"CustomerRef,omitempty"`
	Line        []lineWire    `json:"Line,omitempty"`
	MetaData    *metaDataWire `json:"MetaData,omitempty"`
	Sparse      bool          `json:"sparse,omitempty"`
}

type metaDataWire struct {
	CreateTime string `json:"CreateTime,omitempty"`
}

type lineWire struct {
	Id                  string         `json:"Id,omitempty"`
	Amount              json.Number    `json:"Amount,omitempty"`
	Description         string         `json:"Description,omitempty"`
	DetailType          string         `json:"DetailType,omitempty"`
	SalesItemLineDetail *salesLineWire `json:"SalesItemLineDetail,omitempty"`
}

type salesLineWire struct {
	ItemRef     *Ref        `json:"ItemRef,omitempty"`
	Qty         json.Number `json:"Qty,omitempty"`
	UnitPrice   json.Number `json:"UnitPrice,omitempty"`
	ServiceDate string      `json:"ServiceDate,omitempty"`
}

type timeActivityWire struct {
	Id             string `json:"Id,omitempty"`
	SyncToken      string `json:"SyncToken,omitempty"`
	BillableStatus string `json:"BillableStatus,omitempty"`
	Sparse         bool   `json:"sparse,omitempty"`
}

type queryEnvelope struct {
	QueryResponse struct {
		Invoice      []invoiceWire      `json:"Invoice"`
		TimeActivity []timeActivityWire `json:"TimeActivity"`
	} `json:"QueryResponse"`
}

type invoiceEnvelope struct {
	Invoice *invoiceWire `json:"Invoice"`
}

type timeActivityEnvelope struct {
	TimeActivity *timeActivityWire `json:"TimeActivity"`
}

type faultEnvelope struct {
	Fault struct {
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
		} `json:"Error"`
	} `json:"Fault"`
}

// Invoice is a snapshot of a ledger-resident invoice at read time. The
// SyncToken expires after any write (by any actor) to the same invoice, so a
// snapshot is never a valid basis for a later write without a re-read.
type Invoice struct {
	Id           string
	SyncToken    string
	DocNumber    string
	TxnDate      time.Time
	CustomerId   string
	CustomerName string
	TotalAmt     decimal.Decimal
	Lines        []InvoiceLine
	CreateTime   time.Time
}

type InvoiceLine struct {
	Amount      decimal.Decimal
	Description string
	ItemId      string
	ItemName    string
	Qty         decimal.Decimal
	UnitPrice   decimal.Decimal
	ServiceDate time.Time
}

// InvoiceDraft is the payload for creating a new invoice.
type InvoiceDraft struct {
	CustomerId   string
	CustomerName string
	TxnDate      time.Time
	Lines        []InvoiceLine
}

// InvoiceUpdate replaces the line items of an existing invoice. SyncToken must
// come from a read performed immediately before the write.
type InvoiceUpdate struct {
	Id        string
	SyncToken string
	Draft     InvoiceDraft
}

type TimeActivity struct {
	Id             string
	SyncToken      string
	BillableStatus string
}

// decodeInvoice is the single decode/validate boundary for invoice payloads.
func decodeInvoice(w invoiceWire) (Invoice, error) {
	if w.Id == "" {
		return Invoice{}, errors.New("invoice payload missing Id")
	}
	total, err := decimalFromNumber(w.TotalAmt)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice %s: bad TotalAmt: %w", w.Id, err)
	}
	inv := Invoice{
		Id:        w.Id,
		SyncToken: w.SyncToken,
		DocNumber: w.DocNumber,
		TotalAmt:  total,
	}
	if w.CustomerRef != nil {
		inv.CustomerId = w.CustomerRef.Value
		inv.CustomerName = w.CustomerRef.Name
	}
	if w.TxnDate != "" {
		if inv.TxnDate, err = time.Parse(ledgerDateLayout, w.TxnDate); err != nil {
			return Invoice{}, fmt.Errorf("invoice %s: bad TxnDate %q: %w", w.Id, w.TxnDate, err)
		}
	}
	if w.MetaData != nil && w.MetaData.CreateTime != "" {
		// Best effort; a missing create time only degrades most-recent selection.
		inv.CreateTime, _ = time.Parse(time.RFC3339, w.MetaData.CreateTime)
	}
	for _, lw := range w.Line {
		if lw.DetailType != detailTypeSalesItemLine {
			continue
		}
		line, err := decodeInvoiceLine(lw)
		if err != nil {
			return Invoice{}, fmt.Errorf("invoice %s: %w", w.Id, err)
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, nil
}

func decodeInvoiceLine(w lineWire) (InvoiceLine, error) {
	amount, err := decimalFromNumber(w.Amount)
	if err != nil {
		return InvoiceLine{}, fmt.Errorf("bad line Amount: %w", err)
	}
	line := InvoiceLine{
		Amount:      amount,
		Description: w.Description,
	}
	if w.SalesItemLineDetail != nil {
		d := w.SalesItemLineDetail
		if d.ItemRef != nil {
			line.ItemId = d.ItemRef.Value
			line.ItemName = d.ItemRef.Name
		}
		if line.Qty, err = decimalFromNumber(d.Qty); err != nil {
			return InvoiceLine{}, fmt.Errorf("bad line Qty: %w", err)
		}
		if line.UnitPrice, err = decimalFromNumber(d.UnitPrice); err != nil {
			return InvoiceLine{}, fmt.Errorf("bad line UnitPrice: %w", err)
		}
		if d.ServiceDate != "" {
			line.ServiceDate, _ = time.Parse(ledgerDateLayout, d.ServiceDate)
		}
	}
	return line, nil
}

func decodeTimeActivity(w timeActivityWire) (TimeActivity, error) {
	if w.Id == "" {
		return TimeActivity{}, errors.New("time activity payload missing Id")
	}
	return TimeActivity{
		Id:             w.Id,
		SyncToken:      w.SyncToken,
		BillableStatus: w.BillableStatus,
	}, nil
}

func encodeInvoiceDraft(draft InvoiceDraft) invoiceWire {
	w := invoiceWire{
		TxnDate:     draft.TxnDate.Format(ledgerDateLayout),
		CustomerRef: &Ref{Value: draft.CustomerId, Name: draft.CustomerName},
	}
	for _, line := range draft.Lines {
		lw := lineWire{
			Amount:      numberFromDecimal(line.Amount),
			Description: line.Description,
			DetailType:  detailTypeSalesItemLine,
			SalesItemLineDetail: &salesLineWire{
				Qty:       numberFromDecimal(line.Qty),
				UnitPrice: numberFromDecimal(line.UnitPrice),
			},
		}
		if line.ItemId != "" {
			lw.SalesItemLineDetail.ItemRef = &Ref{Value: line.ItemId, Name: line.ItemName}
		}
		if !line.ServiceDate.IsZero() {
			lw.SalesItemLineDetail.ServiceDate = line.ServiceDate.Format(ledgerDateLayout)
		}
		w.Line = append(w.Line, lw)
	}
	return w
}

func decimalFromNumber(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}

func numberFromDecimal(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}
