package entities

import (
	"github.com/JonMunkholm/ledgerport/internal/core"
)

func init() {
	registerPaymentMethod()
	registerTerm()
	registerClass()
	registerDepartment()
	registerAccount()
	registerItem()
	registerVendor()
	registerCustomer()
}

func registerPaymentMethod() {
	core.Register(core.EntityDefinition{
		Name:        "PaymentMethod",
		Order:       orderPaymentMethod,
		SourceTable: "PaymentMethod",
		NaturalKey:  &core.NaturalKey{Field: "Name"},
		Build: func(in core.BuildInput) core.BuildResult {
			doc := core.Document{}
			doc.CopyString("Name", in.Source, "Name")
			doc.CopyString("Type", in.Source, "Type")
			if _, ok := doc["Name"]; !ok {
				return core.Skipf("missing name")
			}
			return core.Built(doc)
		},
	})
}

func registerTerm() {
	core.Register(core.EntityDefinition{
		Name:        "Term",
		Order:       orderTerm,
		SourceTable: "Term",
		NaturalKey:  &core.NaturalKey{Field: "Name"},
		Build: func(in core.BuildInput) core.BuildResult {
			doc := core.Document{}
			doc.CopyString("Name", in.Source, "Name")
			if _, ok := doc["Name"]; !ok {
				return core.Skipf("missing name")
			}
			doc.CopyString("Type", in.Source, "Type")
			doc.CopyAmount("DueDays", in.Source, "DueDays")
			doc.CopyAmount("DiscountDays", in.Source, "DiscountDays")
			doc.CopyAmount("DiscountPercent", in.Source, "DiscountPercent")
			doc.CopyAmount("DayOfMonthDue", in.Source, "DayOfMonthDue")
			doc.CopyAmount("DueNextMonthDays", in.Source, "DueNextMonthDays")
			doc.CopyAmount("DiscountDayOfMonth", in.Source, "DiscountDayOfMonth")
			return core.Built(doc)
		},
	})
}

// buildNamed covers flat masters that carry only a name and description.
func buildNamed(in core.BuildInput) core.BuildResult {
	doc := core.Document{}
	doc.CopyString("Name", in.Source, "Name")
	if _, ok := doc["Name"]; !ok {
		return core.Skipf("missing name")
	}
	doc.CopyString("Description", in.Source, "Description")
	return core.Built(doc)
}

func registerClass() {
	core.Register(core.EntityDefinition{
		Name:        "Class",
		Order:       orderClass,
		SourceTable: "Class",
		NaturalKey:  &core.NaturalKey{Field: "Name"},
		Build:       buildNamed,
	})
}

func registerDepartment() {
	core.Register(core.EntityDefinition{
		Name:        "Department",
		Order:       orderDepartment,
		SourceTable: "Department",
		NaturalKey:  &core.NaturalKey{Field: "Name"},
		Build:       buildNamed,
	})
}

// Accounts are always created active so transactions can post to them;
// AccountDeactivate retires the inactive ones afterwards.
func registerAccount() {
	core.Register(core.EntityDefinition{
		Name:        "Account",
		Order:       orderAccount,
		SourceTable: "Account",
		NaturalKey:  &core.NaturalKey{Field: "Name"},
		Build: func(in core.BuildInput) core.BuildResult {
			src := in.Source
			doc := core.Document{}
			doc.CopyString("Name", src, "Name")
			doc.CopyString("AccountType", src, "AccountType")
			if _, ok := doc["Name"]; !ok {
				return core.Skipf("missing name")
			}
			if _, ok := doc["AccountType"]; !ok {
				return core.Skipf("missing account type")
			}
			doc.CopyString("AccountSubType", src, "AccountSubType")
			doc.CopyString("AcctNum", src, "AcctNum")
			doc.CopyString("Description", src, "Description")
			setValueRef(doc, "CurrencyRef", src)
			return core.Built(doc)
		},
	})
}

// itemTypesNeedingIncome lists item types the destination rejects without
// an income account.
var itemTypesNeedingIncome = map[string]bool{
	"Service":      true,
	"NonInventory": true,
	"Inventory":    true,
}

func registerItem() {
	core.Register(core.EntityDefinition{
		Name:        "Item",
		Order:       orderItem,
		SourceTable: "Item",
		NaturalKey:  &core.NaturalKey{Field: "Name"},
		References: []core.Reference{
			{Name: "income_account", Entity: "Account", SourceField: "IncomeAccountRef.value"},
			{Name: "expense_account", Entity: "Account", SourceField: "ExpenseAccountRef.value"},
			{Name: "asset_account", Entity: "Account", SourceField: "AssetAccountRef.value"},
		},
		Build: buildItem,
	})
}

func buildItem(in core.BuildInput) core.BuildResult {
	src := in.Source
	doc := core.Document{}
	doc.CopyString("Name", src, "Name")
	doc.CopyString("Type", src, "Type")
	name, _ := src.String("Name")
	itemType, _ := src.String("Type")
	if name == "" {
		return core.Skipf("missing name")
	}

	income, hasIncome := in.Mapped("income_account")
	if itemTypesNeedingIncome[itemType] && !hasIncome {
		ref, _ := src.String("IncomeAccountRef.value")
		return core.Skipf("unresolved income_account reference (IncomeAccountRef.value=%s)", ref)
	}
	doc.SetRef("IncomeAccountRef", income)

	if expense, ok := in.Mapped("expense_account"); ok {
		doc.SetRef("ExpenseAccountRef", expense)
	}

	if itemType == "Inventory" {
		asset, ok := in.Mapped("asset_account")
		if !ok {
			ref, _ := src.String("AssetAccountRef.value")
			return core.Skipf("unresolved asset_account reference (AssetAccountRef.value=%s)", ref)
		}
		doc.SetRef("AssetAccountRef", asset)
		doc.Set("TrackQtyOnHand", true)
		doc.CopyAmount("QtyOnHand", src, "QtyOnHand")
		doc.CopyDate("InvStartDate", src, "InvStartDate")
	}

	doc.CopyString("Sku", src, "Sku")
	doc.CopyString("Description", src, "Description")
	doc.CopyString("PurchaseDesc", src, "PurchaseDesc")
	doc.CopyAmount("UnitPrice", src, "UnitPrice")
	doc.CopyAmount("PurchaseCost", src, "PurchaseCost")
	doc.CopyBool("Taxable", src, "Taxable")

	return withActive(doc, src)
}

func registerVendor() {
	core.Register(core.EntityDefinition{
		Name:        "Vendor",
		Order:       orderVendor,
		SourceTable: "Vendor",
		NaturalKey:  &core.NaturalKey{Field: "DisplayName"},
		References: []core.Reference{
			{Name: "term", Entity: "Term", SourceField: "TermRef.value"},
		},
		Build: func(in core.BuildInput) core.BuildResult {
			doc, skip := party(in.Source)
			if skip != "" {
				return core.Skipf("%s", skip)
			}
			if term, ok := in.Mapped("term"); ok {
				doc.SetRef("TermRef", term)
			}
			doc.CopyString("AcctNum", in.Source, "AcctNum")
			doc.CopyString("TaxIdentifier", in.Source, "TaxIdentifier")
			doc.CopyBool("Vendor1099", in.Source, "Vendor1099")
			setAddress(doc, "BillAddr", in.Source)
			return withActive(doc, in.Source)
		},
	})
}

func registerCustomer() {
	core.Register(core.EntityDefinition{
		Name:        "Customer",
		Order:       orderCustomer,
		SourceTable: "Customer",
		NaturalKey:  &core.NaturalKey{Field: "DisplayName"},
		References: []core.Reference{
			{Name: "term", Entity: "Term", SourceField: "SalesTermRef.value"},
			{Name: "payment_method", Entity: "PaymentMethod", SourceField: "PaymentMethodRef.value"},
		},
		Build: func(in core.BuildInput) core.BuildResult {
			doc, skip := party(in.Source)
			if skip != "" {
				return core.Skipf("%s", skip)
			}
			if term, ok := in.Mapped("term"); ok {
				doc.SetRef("SalesTermRef", term)
			}
			if pm, ok := in.Mapped("payment_method"); ok {
				doc.SetRef("PaymentMethodRef", pm)
			}
			doc.CopyBool("Taxable", in.Source, "Taxable")
			doc.CopyString("PreferredDeliveryMethod", in.Source, "PreferredDeliveryMethod")
			doc.CopyString("Notes", in.Source, "Notes")
			setAddress(doc, "BillAddr", in.Source)
			setAddress(doc, "ShipAddr", in.Source)
			return withActive(doc, in.Source)
		},
	})
}

// party builds the contact fields shared by customers and vendors.
func party(src core.Row) (core.Document, string) {
	doc := core.Document{}
	doc.CopyString("DisplayName", src, "DisplayName")
	if _, ok := doc["DisplayName"]; !ok {
		return nil, "missing display name"
	}
	doc.CopyString("GivenName", src, "GivenName")
	doc.CopyString("MiddleName", src, "MiddleName")
	doc.CopyString("FamilyName", src, "FamilyName")
	doc.CopyString("CompanyName", src, "CompanyName")
	doc.CopyString("PrintOnCheckName", src, "PrintOnCheckName")
	setValueRef(doc, "CurrencyRef", src)

	if v, ok := src.String("PrimaryEmailAddr.Address"); ok {
		doc.Set("PrimaryEmailAddr", core.Document{"Address": v})
	}
	for _, phone := range []string{"PrimaryPhone", "Mobile", "AlternatePhone"} {
		if v, ok := src.String(phone + ".FreeFormNumber"); ok {
			doc.Set(phone, core.Document{"FreeFormNumber": v})
		}
	}
	return doc, ""
}
