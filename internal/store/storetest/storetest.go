// Package storetest is the contract suite every store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/ledgerport/internal/auth"
	"github.com/JonMunkholm/ledgerport/internal/core"
)

// Backend is a store implementation under test.
type Backend interface {
	core.MappingStore
	auth.TokenStore
	Source() core.SourceReader
	LoadSource(ctx context.Context, table string, cols []string, rows [][]any) error
}

// Opener returns a fresh, empty backend for one subtest.
type Opener func(t *testing.T) Backend

// Run executes the contract suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"InitializeIsIdempotent", testInitialize},
		{"UpdateStatus", testUpdateStatus},
		{"FetchEligibleFilters", testFetchEligible},
		{"ReferencesAndRequeue", testReferencesAndRequeue},
		{"LoadTargets", testLoadTargets},
		{"DuplicateKeys", testDuplicateKeys},
		{"DuplicateKeysApplyInBulk", testApplyDuplicateKeysBulk},
		{"SummaryAndFailures", testSummary},
		{"MissingTableReadsEmpty", testMissingTable},
		{"Reset", testReset},
		{"RunHistory", testRunHistory},
		{"Tokens", testTokens},
		{"SourceReader", testSourceReader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func gadgetDef() *core.EntityDefinition {
	return &core.EntityDefinition{
		Name:            "Gadget",
		SourceTable:     "Gadget",
		IDColumn:        "Id",
		DocNumberColumn: "DocNumber",
		References: []core.Reference{
			{Name: "vendor", Entity: "Vendor", SourceField: "VendorRef.value"},
		},
	}
}

func ptr(s string) *string { return &s }

func records(ids ...string) []core.SourceRecord {
	out := make([]core.SourceRecord, len(ids))
	for i, id := range ids {
		out[i] = core.SourceRecord{
			SourceID:  id,
			DocNumber: ptr("D-" + id),
			Row:       json.RawMessage(`{"Id":"` + id + `","Amount":12.50}`),
		}
	}
	return out
}

// setup creates the gadget table with the given ids.
func setup(t *testing.T, b Backend, ids ...string) *core.EntityDefinition {
	t.Helper()
	ctx := context.Background()
	def := gadgetDef()
	require.NoError(t, b.EnsureTable(ctx, def))
	_, err := b.Initialize(ctx, def, records(ids...))
	require.NoError(t, err)
	return def
}

func ids(recs []core.MappingRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.SourceID
	}
	return out
}

func fetchOne(t *testing.T, b Backend, id string) core.MappingRecord {
	t.Helper()
	recs, err := b.FetchEligible(context.Background(), "Gadget", core.EligibleQuery{})
	require.NoError(t, err)
	for _, r := range recs {
		if r.SourceID == id {
			return r
		}
	}
	t.Fatalf("row %s not found", id)
	return core.MappingRecord{}
}

func testInitialize(t *testing.T, b Backend) {
	ctx := context.Background()
	def := gadgetDef()
	require.NoError(t, b.EnsureTable(ctx, def))
	require.NoError(t, b.EnsureTable(ctx, def), "EnsureTable must be repeatable")

	n, err := b.Initialize(ctx, def, records("c", "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Initialize(ctx, def, records("a", "d", "b"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing source ids are left untouched")

	count, err := b.Count(ctx, "Gadget")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	recs, err := b.FetchEligible(ctx, "Gadget", core.EligibleQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids(recs), "seq follows insertion order")

	first := recs[0]
	assert.Equal(t, core.StatusReady, first.Status)
	assert.Zero(t, first.RetryCount)
	assert.Nil(t, first.TargetID)
	assert.Nil(t, first.Payload)
	require.NotNil(t, first.DocNumber)
	assert.Equal(t, "D-c", *first.DocNumber)
	row, err := first.Source()
	require.NoError(t, err)
	assert.Equal(t, "c", row["Id"])
	amount, ok := row.Decimal("Amount")
	require.True(t, ok)
	assert.Equal(t, "12.5", amount.String())
	assert.Contains(t, first.MappedRefs, "mapped_vendor")
	assert.False(t, first.UpdatedAt.IsZero())
}

func testUpdateStatus(t *testing.T, b Backend) {
	ctx := context.Background()
	setup(t, b, "a", "b")

	reason := "status=400 | code=6000"
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{
		SourceID: "a", Status: core.StatusFailed, FailureReason: &reason, IncrementRetry: true,
	}))
	a := fetchOne(t, b, "a")
	assert.Equal(t, core.StatusFailed, a.Status)
	assert.Equal(t, 1, a.RetryCount)
	require.NotNil(t, a.FailureReason)
	assert.Equal(t, reason, *a.FailureReason)

	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{
		SourceID: "a", Status: core.StatusSuccess, TargetID: ptr("145"),
		Payload: json.RawMessage(`{"Name":"A"}`),
	}))
	a = fetchOne(t, b, "a")
	assert.Equal(t, core.StatusSuccess, a.Status)
	require.NotNil(t, a.TargetID)
	assert.Equal(t, "145", *a.TargetID)
	assert.Nil(t, a.FailureReason, "terminal status clears the failure reason")
	assert.Equal(t, 1, a.RetryCount)
	assert.JSONEq(t, `{"Name":"A"}`, string(a.Payload))

	err := b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{SourceID: "b", Status: core.StatusSuccess})
	assert.ErrorIs(t, err, core.ErrInvalidStatusUpdate, "success without a target id")

	err = b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{SourceID: "zzz", Status: core.StatusSkipped})
	assert.Error(t, err, "unknown row")
}

func testFetchEligible(t *testing.T, b Backend) {
	ctx := context.Background()
	setup(t, b, "a", "b", "c", "d", "e")

	require.NoError(t, b.SavePayloads(ctx, "Gadget", []core.PayloadUpdate{
		{SourceID: "b", Payload: json.RawMessage(`{"Name":"B"}`)},
		{SourceID: "c", Payload: json.RawMessage(`{"Name":"C"}`)},
		{SourceID: "d", Payload: json.RawMessage(`{"Name":"D"}`)},
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{
			SourceID: "d", Status: core.StatusFailed, IncrementRetry: true,
		}))
	}
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{
		SourceID: "e", Status: core.StatusExists, TargetID: ptr("9"),
	}))

	tests := []struct {
		name string
		q    core.EligibleQuery
		want []string
	}{
		{"all", core.EligibleQuery{}, []string{"a", "b", "c", "d", "e"}},
		{"ready with payload", core.EligibleQuery{Statuses: []core.Status{core.StatusReady}, Payload: core.WithPayload}, []string{"b", "c"}},
		{"ready without payload", core.EligibleQuery{Statuses: []core.Status{core.StatusReady}, Payload: core.WithoutPayload}, []string{"a"}},
		{"retry budget", core.EligibleQuery{Statuses: []core.Status{core.StatusReady, core.StatusFailed}, MaxRetries: 3}, []string{"a", "b", "c"}},
		{"retry budget not reached", core.EligibleQuery{Statuses: []core.Status{core.StatusFailed}, MaxRetries: 4}, []string{"d"}},
		{"limit", core.EligibleQuery{Limit: 2}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := b.FetchEligible(ctx, "Gadget", tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(recs))
		})
	}

	page, err := b.FetchEligible(ctx, "Gadget", core.EligibleQuery{Limit: 2})
	require.NoError(t, err)
	next, err := b.FetchEligible(ctx, "Gadget", core.EligibleQuery{AfterSeq: page[1].Seq, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(next), "seq cursor pages forward")

	missing, err := b.CountMissingPayload(ctx, "Gadget")
	require.NoError(t, err)
	assert.Equal(t, int64(1), missing)
}

func testReferencesAndRequeue(t *testing.T, b Backend) {
	ctx := context.Background()
	def := setup(t, b, "a", "b", "c")

	require.NoError(t, b.SetReferences(ctx, def, map[string]map[string]*string{
		"a": {"mapped_vendor": ptr("56")},
		"b": {"mapped_vendor": nil},
		"c": {"mapped_vendor": ptr("57")},
	}))
	a := fetchOne(t, b, "a")
	require.NotNil(t, a.MappedRefs["mapped_vendor"])
	assert.Equal(t, "56", *a.MappedRefs["mapped_vendor"])
	assert.Nil(t, fetchOne(t, b, "b").MappedRefs["mapped_vendor"])

	require.NoError(t, b.ApplyDuplicateKeys(ctx, "Gadget", map[string]string{"a": "D-a-01"}))
	require.NoError(t, b.SavePayloads(ctx, "Gadget", []core.PayloadUpdate{{SourceID: "a", Payload: json.RawMessage(`{}`)}}))
	reason := "unresolved vendor"
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{
		SourceID: "a", Status: core.StatusSkipped, FailureReason: &reason, IncrementRetry: true,
	}))
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{
		SourceID: "c", Status: core.StatusSuccess, TargetID: ptr("300"),
	}))

	n, err := b.Requeue(ctx, "Gadget", []core.Status{core.StatusSkipped, core.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "terminal rows are never requeued")

	a = fetchOne(t, b, "a")
	assert.Equal(t, core.StatusReady, a.Status)
	assert.Nil(t, a.Payload)
	assert.Nil(t, a.FailureReason)
	assert.Zero(t, a.RetryCount)
	assert.Nil(t, a.MappedRefs["mapped_vendor"])
	require.NotNil(t, a.DuplicateKey, "duplicate key survives requeue")
	assert.Equal(t, "D-a-01", *a.DuplicateKey)

	c := fetchOne(t, b, "c")
	assert.Equal(t, core.StatusSuccess, c.Status)
	assert.Equal(t, "57", *c.MappedRefs["mapped_vendor"])

	n, err = b.Requeue(ctx, "Gadget", []core.Status{core.StatusExists})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testLoadTargets(t *testing.T, b Backend) {
	ctx := context.Background()
	setup(t, b, "a", "b", "c", "d")

	require.NoError(t, b.SavePayloads(ctx, "Gadget", []core.PayloadUpdate{
		{SourceID: "b", Payload: json.RawMessage(`{"Active":false}`), Inactive: true},
	}))
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{SourceID: "a", Status: core.StatusSuccess, TargetID: ptr("1")}))
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{SourceID: "b", Status: core.StatusExists, TargetID: ptr("2")}))
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{SourceID: "c", Status: core.StatusFailed}))

	targets, err := b.LoadTargets(ctx, "Gadget")
	require.NoError(t, err)
	assert.Equal(t, map[string]core.TargetRef{
		"a": {ID: "1"},
		"b": {ID: "2", Inactive: true},
	}, targets)
}

func testDuplicateKeys(t *testing.T, b Backend) {
	ctx := context.Background()
	setup(t, b, "a", "b")

	other := &core.EntityDefinition{Name: "Memo", SourceTable: "Memo", DocNumberColumn: "DocNumber"}
	require.NoError(t, b.EnsureTable(ctx, other))
	_, err := b.Initialize(ctx, other, []core.SourceRecord{{SourceID: "m1", DocNumber: ptr("M-1"), Row: json.RawMessage(`{}`)}})
	require.NoError(t, err)

	require.NoError(t, b.ApplyDuplicateKeys(ctx, "Gadget", map[string]string{"a": "D-a", "b": "D-a-01"}))
	require.NoError(t, b.SavePayloads(ctx, "Gadget", []core.PayloadUpdate{{SourceID: "b", Payload: json.RawMessage(`{}`)}}))

	rows, err := b.DocNumbers(ctx, "Gadget")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].SourceID)
	assert.Less(t, rows[0].Seq, rows[1].Seq)
	assert.Equal(t, "D-a", *rows[0].DocNumber)
	assert.Equal(t, "D-a", *rows[0].DuplicateKey)
	assert.Equal(t, "D-a-01", *rows[1].DuplicateKey)
	assert.False(t, rows[0].HasPayload)
	assert.True(t, rows[1].HasPayload)
	assert.Equal(t, core.StatusReady, rows[1].Status)

	used, err := b.UsedDocNumbers(ctx, []string{"Gadget", "Memo", "NeverRun"})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{
		"D-a": {}, "D-b": {}, "D-a-01": {}, "M-1": {},
	}, used)
}

func testApplyDuplicateKeysBulk(t *testing.T, b Backend) {
	ctx := context.Background()
	var idList []string
	for i := 0; i < 120; i++ {
		idList = append(idList, fmt.Sprintf("g%03d", i))
	}
	setup(t, b, idList...)

	keys := make(map[string]string, len(idList)+1)
	for _, id := range idList {
		keys[id] = "K-" + id
	}
	keys["missing"] = "K-missing"
	require.NoError(t, b.ApplyDuplicateKeys(ctx, "Gadget", keys))

	rows, err := b.DocNumbers(ctx, "Gadget")
	require.NoError(t, err)
	require.Len(t, rows, len(idList), "unknown ids are ignored")
	for _, r := range rows {
		require.NotNil(t, r.DuplicateKey, r.SourceID)
		assert.Equal(t, "K-"+r.SourceID, *r.DuplicateKey)
	}

	// A later apply to another table sees none of the earlier assignments.
	other := &core.EntityDefinition{Name: "Memo", SourceTable: "Memo", DocNumberColumn: "DocNumber"}
	require.NoError(t, b.EnsureTable(ctx, other))
	_, err = b.Initialize(ctx, other, []core.SourceRecord{
		{SourceID: "g000", DocNumber: ptr("M-0"), Row: json.RawMessage(`{}`)},
		{SourceID: "g001", DocNumber: ptr("M-1"), Row: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	require.NoError(t, b.ApplyDuplicateKeys(ctx, "Memo", map[string]string{"g000": "M-0-01"}))

	memos, err := b.DocNumbers(ctx, "Memo")
	require.NoError(t, err)
	require.Len(t, memos, 2)
	require.NotNil(t, memos[0].DuplicateKey)
	assert.Equal(t, "M-0-01", *memos[0].DuplicateKey)
	assert.Nil(t, memos[1].DuplicateKey)
}

func testSummary(t *testing.T, b Backend) {
	ctx := context.Background()
	setup(t, b, "a", "b", "c", "d")

	require.NoError(t, b.SavePayloads(ctx, "Gadget", []core.PayloadUpdate{{SourceID: "a", Payload: json.RawMessage(`{}`)}}))
	reason := "bad"
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{SourceID: "b", Status: core.StatusFailed, FailureReason: &reason}))
	require.NoError(t, b.UpdateStatus(ctx, "Gadget", core.StatusUpdate{SourceID: "c", Status: core.StatusSkipped, FailureReason: &reason}))

	sum, err := b.Summary(ctx, "Gadget")
	require.NoError(t, err)
	assert.Equal(t, "Gadget", sum.Entity)
	assert.Equal(t, int64(4), sum.Total)
	assert.Equal(t, int64(2), sum.Counts[core.StatusReady])
	assert.Equal(t, int64(1), sum.Counts[core.StatusFailed])
	assert.Equal(t, int64(1), sum.Counts[core.StatusSkipped])
	assert.Equal(t, int64(1), sum.MissingPayload)

	fails, err := b.Failures(ctx, "Gadget", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(fails))

	fails, err = b.Failures(ctx, "Gadget", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(fails))
}

func testMissingTable(t *testing.T, b Backend) {
	ctx := context.Background()

	n, err := b.Count(ctx, "Nope")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = b.CountMissingPayload(ctx, "Nope")
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := b.FetchEligible(ctx, "Nope", core.EligibleQuery{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	targets, err := b.LoadTargets(ctx, "Nope")
	require.NoError(t, err)
	assert.Empty(t, targets)

	docs, err := b.DocNumbers(ctx, "Nope")
	require.NoError(t, err)
	assert.Empty(t, docs)

	sum, err := b.Summary(ctx, "Nope")
	require.NoError(t, err)
	assert.Zero(t, sum.Total)

	requeued, err := b.Requeue(ctx, "Nope", []core.Status{core.StatusFailed})
	require.NoError(t, err)
	assert.Zero(t, requeued)

	assert.NoError(t, b.Reset(ctx, "Nope"))
}

func testReset(t *testing.T, b Backend) {
	ctx := context.Background()
	def := setup(t, b, "a", "b")
	require.NoError(t, b.Reset(ctx, "Gadget"))

	n, err := b.Count(ctx, "Gadget")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, b.EnsureTable(ctx, def))
	inserted, err := b.Initialize(ctx, def, records("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
}

func testRunHistory(t *testing.T, b Backend) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	runs := []core.RunRecord{
		{RunID: "r1", Entity: "Customer", StartedAt: base, FinishedAt: base.Add(time.Minute), Outcome: "completed", Posted: 3, Succeeded: 2, Failed: 1},
		{RunID: "r2", Entity: "Invoice", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(2 * time.Hour), Outcome: "failed", Error: "boom"},
		{RunID: "r3", Entity: "Customer", StartedAt: base.Add(3 * time.Hour), Outcome: "running"},
	}
	for _, r := range runs {
		require.NoError(t, b.RecordRun(ctx, r))
	}
	runs[2].Outcome = "completed"
	runs[2].FinishedAt = base.Add(4 * time.Hour)
	require.NoError(t, b.RecordRun(ctx, runs[2]), "recording a run again replaces it")

	all, err := b.RunHistory(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].RunID)
	assert.Equal(t, "completed", all[0].Outcome)
	assert.True(t, runs[2].FinishedAt.Equal(all[0].FinishedAt))

	customers, err := b.RunHistory(ctx, "Customer", 1)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "r3", customers[0].RunID)

	inv, err := b.RunHistory(ctx, "Invoice", 10)
	require.NoError(t, err)
	require.Len(t, inv, 1)
	assert.Equal(t, "boom", inv[0].Error)
	assert.True(t, base.Add(time.Hour).Equal(inv[0].StartedAt))
}

func testTokens(t *testing.T, b Backend) {
	ctx := context.Background()

	_, err := b.LoadToken(ctx, "default")
	assert.ErrorIs(t, err, auth.ErrNoToken)

	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tok := auth.Token{
		AccessToken:  "access",
		RefreshToken: "refresh-1",
		RealmID:      "realm",
		IssuedAt:     issued,
		Expiry:       issued.Add(time.Hour),
	}
	require.NoError(t, b.SaveToken(ctx, "default", tok))

	tok.RefreshToken = "refresh-2"
	require.NoError(t, b.SaveToken(ctx, "default", tok))

	got, err := b.LoadToken(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", got.RefreshToken)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "realm", got.RealmID)
	assert.True(t, issued.Equal(got.IssuedAt))
	assert.True(t, tok.Expiry.Equal(got.Expiry))

	require.NoError(t, b.SaveToken(ctx, "other", auth.Token{RefreshToken: "x"}))
	other, err := b.LoadToken(ctx, "other")
	require.NoError(t, err)
	assert.True(t, other.IssuedAt.IsZero())
}

func testSourceReader(t *testing.T, b Backend) {
	ctx := context.Background()
	src := b.Source()

	require.NoError(t, b.LoadSource(ctx, "Invoice", []string{"Id", "DocNumber", "CustomerRef.value"}, [][]any{
		{"2", "INV-2", "c1"},
		{"1", "INV-1", "c2"},
		{"3", nil, "c1"},
	}))
	require.NoError(t, b.LoadSource(ctx, "Invoice_Line", []string{"Id", "Parent_Id", "Amount"}, [][]any{
		{"l1", "1", "10.00"},
		{"l2", "2", "20.00"},
		{"l3", "1", "5.50"},
	}))

	n, err := src.Count(ctx, "Invoice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows, err := src.ReadRows(ctx, "Invoice", "Id")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	var got []string
	for _, r := range rows {
		id, _ := r.String("Id")
		got = append(got, id)
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
	cust, ok := rows[0].String("CustomerRef.value")
	require.True(t, ok)
	assert.Equal(t, "c2", cust)
	_, ok = rows[2].String("DocNumber")
	assert.False(t, ok, "NULL reads as blank")

	lines, err := src.ReadLines(ctx, "Invoice_Line", "Parent_Id", []string{"1", "3"})
	require.NoError(t, err)
	assert.Len(t, lines["1"], 2)
	assert.Empty(t, lines["2"])
	assert.Empty(t, lines["3"])
	amount, ok := lines["1"][0].Decimal("Amount")
	require.True(t, ok)
	assert.True(t, amount.IsPositive())

	n, err = src.Count(ctx, "NotExtracted")
	require.NoError(t, err)
	assert.Zero(t, n)
	missing, err := src.ReadRows(ctx, "NotExtracted", "Id")
	require.NoError(t, err)
	assert.Empty(t, missing)
}
