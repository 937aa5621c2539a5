package entities

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

// refs is an in-memory RefLookup keyed by entity then source id.
type refs map[string]map[string]core.TargetRef

func (r refs) Resolve(entity, sourceID string) (core.TargetRef, bool) {
	ref, ok := r[entity][sourceID]
	return ref, ok
}

func mustGet(t *testing.T, name string) core.EntityDefinition {
	t.Helper()
	def, ok := core.Get(name)
	require.True(t, ok, "entity %s not registered", name)
	return def
}

func strp(s string) *string { return &s }

func decode(t *testing.T, doc core.Document) map[string]any {
	t.Helper()
	b, err := doc.Marshal()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestRegistry_DependencyOrder(t *testing.T) {
	defs := core.All()
	pos := make(map[string]int, len(defs))
	for i, def := range defs {
		pos[def.Name] = i
	}

	for _, def := range defs {
		for _, dep := range def.Dependencies() {
			if dep == def.Name {
				continue
			}
			depPos, ok := pos[dep]
			require.True(t, ok, "%s depends on unregistered %s", def.Name, dep)
			assert.Less(t, depPos, pos[def.Name], "%s must run after %s", def.Name, dep)
		}
	}
	assert.Equal(t, "AccountDeactivate", defs[len(defs)-1].Name)
}

func TestRegistry_DocNumberEntities(t *testing.T) {
	for _, name := range []string{"Invoice", "CreditMemo", "Bill", "JournalEntry"} {
		def := mustGet(t, name)
		assert.True(t, def.HasDocNumber(), name)
		require.NotNil(t, def.NaturalKey, name)
		assert.Equal(t, "DocNumber", def.NaturalKey.Field, name)
		assert.Equal(t, name+"_Line", def.LineTable, name)
	}
	assert.False(t, mustGet(t, "Customer").HasDocNumber())
}

func TestCustomer_Build(t *testing.T) {
	def := mustGet(t, "Customer")

	res := def.Build(core.BuildInput{
		Record: core.MappingRecord{
			SourceID:   "7",
			MappedRefs: map[string]*string{core.RefColumn("term"): strp("31")},
		},
		Source: core.Row{
			"Id":                              "7",
			"DisplayName":                     "  Acme Corp ",
			"PrimaryEmailAddr.Address":        "ap@acme.test",
			"BillAddr.City":                   "Portland",
			"BillAddr.CountrySubDivisionCode": "Oregon",
			"ShipAddr.City":                   "",
			"Active":                          "true",
		},
	})

	require.False(t, res.Skipped(), res.Skip)
	assert.False(t, res.Inactive)

	got := decode(t, res.Document)
	assert.Equal(t, "Acme Corp", got["DisplayName"])
	assert.Equal(t, map[string]any{"value": "31"}, got["SalesTermRef"])
	assert.Equal(t, map[string]any{"Address": "ap@acme.test"}, got["PrimaryEmailAddr"])
	assert.Equal(t, map[string]any{"City": "Portland", "CountrySubDivisionCode": "OR"}, got["BillAddr"])
	assert.NotContains(t, got, "ShipAddr")
	assert.NotContains(t, got, "PaymentMethodRef")
}

func TestCustomer_InactiveAndMissingName(t *testing.T) {
	def := mustGet(t, "Customer")

	res := def.Build(core.BuildInput{Source: core.Row{"DisplayName": "Old Co", "Active": "false"}})
	require.False(t, res.Skipped())
	assert.True(t, res.Inactive)
	assert.Equal(t, false, res.Document["Active"])

	res = def.Build(core.BuildInput{Source: core.Row{"DisplayName": "  "}})
	assert.Equal(t, "missing display name", res.Skip)
}

func TestItem_Build(t *testing.T) {
	def := mustGet(t, "Item")

	tests := []struct {
		name     string
		src      core.Row
		mapped   map[string]*string
		wantSkip string
	}{
		{
			name:   "service item with income account",
			src:    core.Row{"Name": "Consulting", "Type": "Service", "IncomeAccountRef.value": "4"},
			mapped: map[string]*string{core.RefColumn("income_account"): strp("104")},
		},
		{
			name:     "service item without income account",
			src:      core.Row{"Name": "Consulting", "Type": "Service", "IncomeAccountRef.value": "4"},
			wantSkip: "unresolved income_account reference (IncomeAccountRef.value=4)",
		},
		{
			name: "inventory item without asset account",
			src:  core.Row{"Name": "Widget", "Type": "Inventory", "AssetAccountRef.value": "9"},
			mapped: map[string]*string{
				core.RefColumn("income_account"): strp("104"),
			},
			wantSkip: "unresolved asset_account reference (AssetAccountRef.value=9)",
		},
		{
			name:     "missing name",
			src:      core.Row{"Type": "Service"},
			wantSkip: "missing name",
		},
		{
			name: "category needs no accounts",
			src:  core.Row{"Name": "Hardware", "Type": "Category"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := def.Build(core.BuildInput{
				Record: core.MappingRecord{MappedRefs: tt.mapped},
				Source: tt.src,
			})
			assert.Equal(t, tt.wantSkip, res.Skip)
		})
	}
}

func invoiceInput(lines []core.Row, lookup refs) core.BuildInput {
	return core.BuildInput{
		Record: core.MappingRecord{
			SourceID:     "100",
			DocNumber:    strp("1001"),
			DuplicateKey: strp("1001-01"),
			MappedRefs:   map[string]*string{core.RefColumn("customer"): strp("58")},
		},
		Source: core.Row{
			"Id":                "100",
			"DocNumber":         "1001",
			"TxnDate":           "2023-04-05T00:00:00",
			"DueDate":           "05/05/2023",
			"CustomerRef.value": "5",
			"CurrencyRef.value": "USD",
		},
		Lines: lines,
		Refs:  lookup,
	}
}

func TestInvoice_Build(t *testing.T) {
	def := mustGet(t, "Invoice")
	lookup := refs{
		"Item":  {"11": {ID: "211"}},
		"Class": {"3": {ID: "303"}},
	}

	lines := []core.Row{
		{"LineNum": "2", "DetailType": "SubTotalLineDetail", "Amount": "250.00"},
		{
			"LineNum":                              "1",
			"DetailType":                           "SalesItemLineDetail",
			"Amount":                               "250.00",
			"Description":                          "Hours",
			"SalesItemLineDetail.ItemRef.value":    "11",
			"SalesItemLineDetail.Qty":              "10",
			"SalesItemLineDetail.ClassRef.value":   "3",
			"SalesItemLineDetail.TaxCodeRef.value": "",
			"SalesItemLineDetail.ServiceDate":      "2023-04-01",
		},
		{"LineNum": "3", "DetailType": "DescriptionOnly", "Description": "Thanks!"},
	}

	res := def.Build(invoiceInput(lines, lookup))
	require.False(t, res.Skipped(), res.Skip)

	body, err := res.Document.Marshal()
	require.NoError(t, err)

	var got struct {
		DocNumber   string
		TxnDate     string
		DueDate     string
		CustomerRef map[string]string
		CurrencyRef map[string]string
		Line        []struct {
			DetailType          string
			Amount              json.Number
			Description         string
			SalesItemLineDetail map[string]any
		}
	}
	require.NoError(t, json.Unmarshal(body, &got))

	assert.Equal(t, "1001-01", got.DocNumber)
	assert.Equal(t, "2023-04-05", got.TxnDate)
	assert.Equal(t, "2023-05-05", got.DueDate)
	assert.Equal(t, "58", got.CustomerRef["value"])
	assert.Equal(t, "USD", got.CurrencyRef["value"])

	require.Len(t, got.Line, 2)
	item := got.Line[0]
	assert.Equal(t, "SalesItemLineDetail", item.DetailType)
	assert.Equal(t, "250", item.Amount.String())
	assert.Equal(t, map[string]any{"value": "211"}, item.SalesItemLineDetail["ItemRef"])
	assert.Equal(t, map[string]any{"value": "303"}, item.SalesItemLineDetail["ClassRef"])
	assert.Equal(t, map[string]any{"value": "NON"}, item.SalesItemLineDetail["TaxCodeRef"])
	assert.EqualValues(t, 25, item.SalesItemLineDetail["UnitPrice"])
	assert.Equal(t, "DescriptionOnly", got.Line[1].DetailType)
	assert.Equal(t, "Thanks!", got.Line[1].Description)

	assert.False(t, strings.Contains(string(body), "SubTotalLineDetail"))
}

func TestInvoice_BuildSkips(t *testing.T) {
	def := mustGet(t, "Invoice")

	tests := []struct {
		name   string
		lines  []core.Row
		lookup refs
		want   string
	}{
		{
			name: "unmapped item",
			lines: []core.Row{{
				"DetailType":                        "SalesItemLineDetail",
				"SalesItemLineDetail.ItemRef.value": "11",
			}},
			want: "line 1: unmapped item 11",
		},
		{
			name: "inactive item",
			lines: []core.Row{{
				"DetailType":                        "SalesItemLineDetail",
				"SalesItemLineDetail.ItemRef.value": "11",
			}},
			lookup: refs{"Item": {"11": {ID: "211", Inactive: true}}},
			want:   "line 1: item 11 maps to inactive target 211",
		},
		{
			name:  "only subtotal lines",
			lines: []core.Row{{"DetailType": "SubTotalLineDetail", "Amount": "5"}},
			want:  "no postable lines",
		},
		{
			name: "no lines",
			want: "no postable lines",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := def.Build(invoiceInput(tt.lines, tt.lookup))
			assert.Equal(t, tt.want, res.Skip)
		})
	}
}

func TestInvoice_FallsBackToRawDocNumber(t *testing.T) {
	def := mustGet(t, "Invoice")
	in := invoiceInput([]core.Row{{"DetailType": "DescriptionOnly", "Description": "x"}}, nil)
	in.Record.DuplicateKey = nil

	res := def.Build(in)
	require.False(t, res.Skipped(), res.Skip)
	assert.Equal(t, "1001", res.Document["DocNumber"])
}

func TestBill_Build(t *testing.T) {
	def := mustGet(t, "Bill")
	lookup := refs{
		"Account": {"60": {ID: "160"}},
		"Item":    {"11": {ID: "211"}},
	}

	in := core.BuildInput{
		Record: core.MappingRecord{
			SourceID:   "8",
			DocNumber:  strp("B-1"),
			MappedRefs: map[string]*string{core.RefColumn("vendor"): strp("77")},
		},
		Source: core.Row{"DocNumber": "B-1", "TxnDate": "2023-01-02"},
		Lines: []core.Row{
			{
				"DetailType": "AccountBasedExpenseLineDetail",
				"Amount":     "40",
				"AccountBasedExpenseLineDetail.AccountRef.value": "60",
			},
			{
				"DetailType": "ItemBasedExpenseLineDetail",
				"Amount":     "30",
				"ItemBasedExpenseLineDetail.ItemRef.value": "11",
				"ItemBasedExpenseLineDetail.Qty":           "3",
			},
		},
		Refs: lookup,
	}

	res := def.Build(in)
	require.False(t, res.Skipped(), res.Skip)
	got := decode(t, res.Document)
	assert.Equal(t, map[string]any{"value": "77"}, got["VendorRef"])
	assert.Equal(t, "B-1", got["DocNumber"])
	require.Len(t, got["Line"], 2)

	in.Lines[0]["AccountBasedExpenseLineDetail.AccountRef.value"] = "61"
	res = def.Build(in)
	assert.Equal(t, "line 1: unmapped account 61", res.Skip)
}

func TestJournalEntry_Build(t *testing.T) {
	def := mustGet(t, "JournalEntry")
	lookup := refs{
		"Account":  {"1": {ID: "101"}, "2": {ID: "102"}},
		"Customer": {"5": {ID: "505"}},
	}

	lines := []core.Row{
		{
			"DetailType":                                    "JournalEntryLineDetail",
			"Amount":                                        "100.00",
			"JournalEntryLineDetail.PostingType":            "debit",
			"JournalEntryLineDetail.AccountRef.value":       "1",
			"JournalEntryLineDetail.Entity.Type":            "Customer",
			"JournalEntryLineDetail.Entity.EntityRef.value": "5",
		},
		{
			"DetailType":                              "JournalEntryLineDetail",
			"Amount":                                  "100.00",
			"JournalEntryLineDetail.PostingType":      "CR",
			"JournalEntryLineDetail.AccountRef.value": "2",
		},
	}

	res := def.Build(core.BuildInput{
		Record: core.MappingRecord{DocNumber: strp("JE-9")},
		Source: core.Row{"TxnDate": "2023-12-31"},
		Lines:  lines,
		Refs:   lookup,
	})
	require.False(t, res.Skipped(), res.Skip)

	got := decode(t, res.Document)
	assert.Equal(t, "JE-9", got["DocNumber"])
	jl := got["Line"].([]any)
	require.Len(t, jl, 2)
	first := jl[0].(map[string]any)["JournalEntryLineDetail"].(map[string]any)
	assert.Equal(t, "Debit", first["PostingType"])
	assert.Equal(t, map[string]any{"Type": "Customer", "EntityRef": map[string]any{"value": "505"}}, first["Entity"])
	second := jl[1].(map[string]any)["JournalEntryLineDetail"].(map[string]any)
	assert.Equal(t, "Credit", second["PostingType"])

	lines[1]["JournalEntryLineDetail.PostingType"] = ""
	res = def.Build(core.BuildInput{Lines: lines, Refs: lookup})
	assert.Equal(t, "line 2: missing posting type", res.Skip)
}

func TestAccountDeactivate_Build(t *testing.T) {
	def := mustGet(t, "AccountDeactivate")
	assert.Equal(t, "Account", def.APIEntity)
	lookup := refs{"Account": {"60": {ID: "160"}}}

	res := def.Build(core.BuildInput{
		Record: core.MappingRecord{SourceID: "60"},
		Source: core.Row{"Name": "Old Expenses", "Active": "false"},
		Refs:   lookup,
	})
	require.False(t, res.Skipped(), res.Skip)
	got := decode(t, res.Document)
	assert.Equal(t, "160", got["Id"])
	assert.Equal(t, true, got["sparse"])
	assert.Equal(t, false, got["Active"])
	assert.Equal(t, "Old Expenses", got["Name"])

	res = def.Build(core.BuildInput{
		Record: core.MappingRecord{SourceID: "60"},
		Source: core.Row{"Active": "true"},
		Refs:   lookup,
	})
	assert.Equal(t, "no update needed: account active in source", res.Skip)

	res = def.Build(core.BuildInput{
		Record: core.MappingRecord{SourceID: "61"},
		Source: core.Row{"Active": "false"},
		Refs:   lookup,
	})
	assert.Equal(t, "unmapped account 61", res.Skip)
}

func TestNormalizeUsState(t *testing.T) {
	tests := map[string]string{
		"Oregon":     "OR",
		"or":         "OR",
		" new york ": "NY",
		"Ontario":    "Ontario",
		"":           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeUsState(in), in)
	}
}

func TestPostingType(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Debit", "Debit", true},
		{"dr", "Debit", true},
		{"credit", "Credit", true},
		{"", "", false},
		{"sideways", "", false},
	}
	for _, tt := range tests {
		got, ok := PostingType(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}
