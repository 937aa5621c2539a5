// Package entities registers all entity definitions with the core registry.
// Import this package to ensure all entities are registered.
package entities

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

// Dependency order. Masters precede the transactions that reference them,
// and the deactivation pass runs after every transaction has posted.
const (
	orderPaymentMethod = 10
	orderTerm          = 20
	orderClass         = 40
	orderDepartment    = 50
	orderAccount       = 60
	orderItem          = 80
	orderVendor        = 90
	orderCustomer      = 100
	orderInvoice       = 120
	orderCreditMemo    = 130
	orderBill          = 140
	orderJournalEntry  = 160
	orderDeactivation  = 900
)

// Source layout of the extracted tables.
const (
	lineParentColumn = "Parent_Id"
	docNumberColumn  = "DocNumber"
)

func lineTable(entity string) string {
	return entity + "_Line"
}

// addressFields are the flattened address columns shared by every address.
var addressFields = []string{"Line1", "Line2", "Line3", "Line4", "Line5", "City", "Country", "PostalCode"}

// setAddress copies a flattened address such as BillAddr.City into a
// nested document. Empty addresses are omitted.
func setAddress(doc core.Document, key string, src core.Row) {
	addr := core.Document{}
	for _, f := range addressFields {
		addr.CopyString(f, src, key+"."+f)
	}
	if v, ok := src.String(key + ".CountrySubDivisionCode"); ok {
		addr.Set("CountrySubDivisionCode", NormalizeUsState(v))
	}
	doc.Set(key, addr)
}

// setValueRef copies a {"value": ...} reference that needs no mapping,
// such as CurrencyRef.
func setValueRef(doc core.Document, key string, src core.Row) {
	if v, ok := src.String(key + ".value"); ok {
		doc.SetRef(key, v)
	}
}

// sortLines orders line rows by LineNum, keeping source order for ties.
func sortLines(lines []core.Row) []core.Row {
	out := make([]core.Row, len(lines))
	copy(out, lines)
	sort.SliceStable(out, func(i, j int) bool {
		a, okA := out[i].Decimal("LineNum")
		b, okB := out[j].Decimal("LineNum")
		if !okA || !okB {
			return okA && !okB
		}
		return a.LessThan(b)
	})
	return out
}

// unitPrice reads <detail>.UnitPrice, falling back to Amount / <detail>.Qty.
func unitPrice(ln core.Row, detail string) (decimal.Decimal, bool) {
	if v, ok := ln.Decimal(detail + ".UnitPrice"); ok {
		return v, true
	}
	amount, okA := ln.Decimal("Amount")
	qty, okQ := ln.Decimal(detail + ".Qty")
	if !okA || !okQ || qty.IsZero() {
		return decimal.Decimal{}, false
	}
	return amount.DivRound(qty, 6), true
}

// inactive reports whether the source row is explicitly inactive.
func inactive(src core.Row) bool {
	active, ok := src.Bool("Active")
	return ok && !active
}

// withActive finishes a master record, creating it inactive when the
// source says so. Dependents refuse references to inactive targets.
func withActive(doc core.Document, src core.Row) core.BuildResult {
	if inactive(src) {
		doc["Active"] = false
		return core.BuildResult{Document: doc, Inactive: true}
	}
	return core.Built(doc)
}
