package entities

import (
	"fmt"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

func init() {
	registerInvoice()
	registerCreditMemo()
	registerBill()
	registerJournalEntry()
}

// salesReferences are the header references of customer-facing documents.
var salesReferences = []core.Reference{
	{Name: "customer", Entity: "Customer", SourceField: "CustomerRef.value", Required: true},
	{Name: "department", Entity: "Department", SourceField: "DepartmentRef.value"},
	{Name: "term", Entity: "Term", SourceField: "SalesTermRef.value"},
}

func registerInvoice() {
	core.Register(core.EntityDefinition{
		Name:             "Invoice",
		Order:            orderInvoice,
		SourceTable:      "Invoice",
		LineTable:        lineTable("Invoice"),
		LineParentColumn: lineParentColumn,
		DocNumberColumn:  docNumberColumn,
		NaturalKey:       &core.NaturalKey{Field: "DocNumber"},
		References:       salesReferences,
		LineDependencies: []string{"Item", "Class", "Account"},
		Build: func(in core.BuildInput) core.BuildResult {
			doc, skip := salesDocument(in)
			if skip != "" {
				return core.Skipf("%s", skip)
			}
			doc.CopyDate("DueDate", in.Source, "DueDate")
			doc.CopyBool("AllowOnlineACHPayment", in.Source, "AllowOnlineACHPayment")
			doc.CopyBool("AllowOnlineCreditCardPayment", in.Source, "AllowOnlineCreditCardPayment")
			doc.CopyDate("ShipDate", in.Source, "ShipDate")
			doc.CopyString("TrackingNum", in.Source, "TrackingNum")
			return core.Built(doc)
		},
	})
}

func registerCreditMemo() {
	core.Register(core.EntityDefinition{
		Name:             "CreditMemo",
		Order:            orderCreditMemo,
		SourceTable:      "CreditMemo",
		LineTable:        lineTable("CreditMemo"),
		LineParentColumn: lineParentColumn,
		DocNumberColumn:  docNumberColumn,
		NaturalKey:       &core.NaturalKey{Field: "DocNumber"},
		References:       salesReferences,
		LineDependencies: []string{"Item", "Class", "Account"},
		Build: func(in core.BuildInput) core.BuildResult {
			doc, skip := salesDocument(in)
			if skip != "" {
				return core.Skipf("%s", skip)
			}
			return core.Built(doc)
		},
	})
}

// salesDocument builds the header and lines shared by invoices and credit memos.
func salesDocument(in core.BuildInput) (core.Document, string) {
	src := in.Source
	doc := core.Document{}

	customer, _ := in.Mapped("customer")
	doc.SetRef("CustomerRef", customer)
	if n, ok := in.DocNumber(); ok {
		doc.Set("DocNumber", n)
	}
	doc.CopyDate("TxnDate", src, "TxnDate")
	setValueRef(doc, "CurrencyRef", src)
	if dept, ok := in.Mapped("department"); ok {
		doc.SetRef("DepartmentRef", dept)
	}
	if term, ok := in.Mapped("term"); ok {
		doc.SetRef("SalesTermRef", term)
	}
	doc.CopyString("PrivateNote", src, "PrivateNote")
	if v, ok := src.String("CustomerMemo.value"); ok {
		doc.Set("CustomerMemo", core.Document{"value": v})
	}
	if v, ok := src.String("BillEmail.Address"); ok {
		doc.Set("BillEmail", core.Document{"Address": v})
	}
	doc.CopyString("GlobalTaxCalculation", src, "GlobalTaxCalculation")
	setAddress(doc, "BillAddr", src)
	setAddress(doc, "ShipAddr", src)

	lines, skip := salesLines(in)
	if skip != "" {
		return nil, skip
	}
	if len(lines) == 0 {
		return nil, "no postable lines"
	}
	doc["Line"] = lines
	return doc, ""
}

func salesLines(in core.BuildInput) ([]any, string) {
	var out []any
	for i, ln := range sortLines(in.Lines) {
		detailType, _ := ln.String("DetailType")
		line := core.Document{"DetailType": detailType}
		line.CopyAmount("Amount", ln, "Amount")
		line.CopyString("Description", ln, "Description")

		switch detailType {
		case "SalesItemLineDetail":
			item, _ := ln.String("SalesItemLineDetail.ItemRef.value")
			itemID, skip := in.RequireRef("Item", item, "item")
			if skip != "" {
				return nil, fmt.Sprintf("line %d: %s", i+1, skip)
			}
			detail := core.Document{}
			detail.SetRef("ItemRef", itemID)
			detail.CopyAmount("Qty", ln, "SalesItemLineDetail.Qty")
			if p, ok := unitPrice(ln, "SalesItemLineDetail"); ok {
				detail.Set("UnitPrice", core.Amount(p))
			}
			detail.CopyDate("ServiceDate", ln, "SalesItemLineDetail.ServiceDate")
			taxCode := "NON"
			if v, ok := ln.String("SalesItemLineDetail.TaxCodeRef.value"); ok {
				taxCode = v
			}
			detail.SetRef("TaxCodeRef", taxCode)
			class, _ := ln.String("SalesItemLineDetail.ClassRef.value")
			detail.SetRef("ClassRef", in.OptionalRef("Class", class))
			line.Set(detailType, detail)

		case "DiscountLineDetail":
			detail := core.Document{}
			detail.CopyBool("PercentBased", ln, "DiscountLineDetail.PercentBased")
			detail.CopyAmount("DiscountPercent", ln, "DiscountLineDetail.DiscountPercent")
			account, _ := ln.String("DiscountLineDetail.DiscountAccountRef.value")
			detail.SetRef("DiscountAccountRef", in.OptionalRef("Account", account))
			line.Set(detailType, detail)

		case "DescriptionOnly":
			// text-only line, nothing to resolve

		default:
			// Subtotals are recomputed by the destination; unknown kinds are dropped.
			continue
		}
		out = append(out, line)
	}
	return out, ""
}

func registerBill() {
	core.Register(core.EntityDefinition{
		Name:             "Bill",
		Order:            orderBill,
		SourceTable:      "Bill",
		LineTable:        lineTable("Bill"),
		LineParentColumn: lineParentColumn,
		DocNumberColumn:  docNumberColumn,
		NaturalKey:       &core.NaturalKey{Field: "DocNumber"},
		References: []core.Reference{
			{Name: "vendor", Entity: "Vendor", SourceField: "VendorRef.value", Required: true},
			{Name: "ap_account", Entity: "Account", SourceField: "APAccountRef.value"},
			{Name: "term", Entity: "Term", SourceField: "SalesTermRef.value"},
			{Name: "department", Entity: "Department", SourceField: "DepartmentRef.value"},
		},
		LineDependencies: []string{"Account", "Item", "Class", "Customer"},
		Build:            buildBill,
	})
}

func buildBill(in core.BuildInput) core.BuildResult {
	src := in.Source
	doc := core.Document{}

	vendor, _ := in.Mapped("vendor")
	doc.SetRef("VendorRef", vendor)
	if n, ok := in.DocNumber(); ok {
		doc.Set("DocNumber", n)
	}
	doc.CopyDate("TxnDate", src, "TxnDate")
	doc.CopyDate("DueDate", src, "DueDate")
	setValueRef(doc, "CurrencyRef", src)
	doc.CopyString("PrivateNote", src, "PrivateNote")
	for ref, key := range map[string]string{
		"ap_account": "APAccountRef",
		"term":       "SalesTermRef",
		"department": "DepartmentRef",
	} {
		if id, ok := in.Mapped(ref); ok {
			doc.SetRef(key, id)
		}
	}

	var lines []any
	for i, ln := range sortLines(in.Lines) {
		detailType, _ := ln.String("DetailType")
		line := core.Document{"DetailType": detailType}
		line.CopyAmount("Amount", ln, "Amount")
		line.CopyString("Description", ln, "Description")

		detail := core.Document{}
		switch detailType {
		case "AccountBasedExpenseLineDetail":
			account, _ := ln.String(detailType + ".AccountRef.value")
			accountID, skip := in.RequireRef("Account", account, "account")
			if skip != "" {
				return core.Skipf("line %d: %s", i+1, skip)
			}
			detail.SetRef("AccountRef", accountID)

		case "ItemBasedExpenseLineDetail":
			item, _ := ln.String(detailType + ".ItemRef.value")
			itemID, skip := in.RequireRef("Item", item, "item")
			if skip != "" {
				return core.Skipf("line %d: %s", i+1, skip)
			}
			detail.SetRef("ItemRef", itemID)
			detail.CopyAmount("Qty", ln, detailType+".Qty")
			if p, ok := unitPrice(ln, detailType); ok {
				detail.Set("UnitPrice", core.Amount(p))
			}

		default:
			continue
		}

		class, _ := ln.String(detailType + ".ClassRef.value")
		detail.SetRef("ClassRef", in.OptionalRef("Class", class))
		customer, _ := ln.String(detailType + ".CustomerRef.value")
		detail.SetRef("CustomerRef", in.OptionalRef("Customer", customer))
		detail.CopyString("BillableStatus", ln, detailType+".BillableStatus")
		line.Set(detailType, detail)
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return core.Skipf("no postable lines")
	}
	doc["Line"] = lines
	return core.Built(doc)
}

func registerJournalEntry() {
	core.Register(core.EntityDefinition{
		Name:             "JournalEntry",
		Order:            orderJournalEntry,
		SourceTable:      "JournalEntry",
		LineTable:        lineTable("JournalEntry"),
		LineParentColumn: lineParentColumn,
		DocNumberColumn:  docNumberColumn,
		NaturalKey:       &core.NaturalKey{Field: "DocNumber"},
		LineDependencies: []string{"Account", "Class", "Department", "Customer", "Vendor"},
		Build:            buildJournalEntry,
	})
}

// journalEntityTypes are the name entities a journal line may carry.
var journalEntityTypes = map[string]string{
	"customer": "Customer",
	"vendor":   "Vendor",
}

func buildJournalEntry(in core.BuildInput) core.BuildResult {
	src := in.Source
	doc := core.Document{}
	if n, ok := in.DocNumber(); ok {
		doc.Set("DocNumber", n)
	}
	doc.CopyDate("TxnDate", src, "TxnDate")
	setValueRef(doc, "CurrencyRef", src)
	doc.CopyAmount("ExchangeRate", src, "ExchangeRate")
	doc.CopyBool("Adjustment", src, "Adjustment")
	doc.CopyString("PrivateNote", src, "PrivateNote")

	const dt = "JournalEntryLineDetail"
	var lines []any
	for i, ln := range sortLines(in.Lines) {
		if t, _ := ln.String("DetailType"); t != dt {
			continue
		}
		raw, _ := ln.String(dt + ".PostingType")
		posting, ok := PostingType(raw)
		if !ok {
			return core.Skipf("line %d: missing posting type", i+1)
		}
		account, _ := ln.String(dt + ".AccountRef.value")
		accountID, skip := in.RequireRef("Account", account, "account")
		if skip != "" {
			return core.Skipf("line %d: %s", i+1, skip)
		}

		detail := core.Document{"PostingType": posting}
		detail.SetRef("AccountRef", accountID)
		class, _ := ln.String(dt + ".ClassRef.value")
		detail.SetRef("ClassRef", in.OptionalRef("Class", class))
		dept, _ := ln.String(dt + ".DepartmentRef.value")
		detail.SetRef("DepartmentRef", in.OptionalRef("Department", dept))

		if entityID, ok := ln.String(dt + ".Entity.EntityRef.value"); ok {
			kind, _ := ln.String(dt + ".Entity.Type")
			entity, known := journalEntityTypes[lower(kind)]
			if !known {
				return core.Skipf("line %d: unsupported name entity type %q", i+1, kind)
			}
			targetID, skip := in.RequireRef(entity, entityID, lower(kind))
			if skip != "" {
				return core.Skipf("line %d: %s", i+1, skip)
			}
			detail.Set("Entity", core.Document{
				"Type":      entity,
				"EntityRef": core.Document{"value": targetID},
			})
		}

		line := core.Document{"DetailType": dt}
		line.CopyAmount("Amount", ln, "Amount")
		line.CopyString("Description", ln, "Description")
		line.Set(dt, detail)
		lines = append(lines, line)
	}
	if len(lines) < 2 {
		return core.Skipf("journal entry needs at least two lines, found %d", len(lines))
	}
	doc["Line"] = lines
	return core.Built(doc)
}
