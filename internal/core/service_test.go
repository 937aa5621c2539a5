package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registerTestEntities = sync.OnceFunc(func() {
	Register(EntityDefinition{
		Name:        "Widget",
		Order:       1,
		SourceTable: "Widget",
		NaturalKey:  &NaturalKey{Field: "Name"},
		Build: func(in BuildInput) BuildResult {
			doc := Document{}
			doc.CopyString("Name", in.Source, "Name")
			if _, ok := doc["Name"]; !ok {
				return Skipf("missing name")
			}
			return Built(doc)
		},
	})
	Register(EntityDefinition{
		Name:             "Order",
		Order:            2,
		SourceTable:      "Order",
		LineTable:        "Order_Line",
		LineParentColumn: "Parent_Id",
		DocNumberColumn:  "DocNumber",
		NaturalKey:       &NaturalKey{Field: "DocNumber"},
		References: []Reference{
			{Name: "widget", Entity: "Widget", SourceField: "WidgetRef", Required: true},
		},
		LineDependencies: []string{"Widget"},
		Build: func(in BuildInput) BuildResult {
			doc := Document{}
			widget, _ := in.Mapped("widget")
			doc.SetRef("WidgetRef", widget)
			doc.Set("Name", "order-"+in.Record.SourceID)
			if n, ok := in.DocNumber(); ok {
				doc.Set("DocNumber", n)
			}
			var lines []any
			for i, ln := range in.Lines {
				ref, _ := ln.String("WidgetRef")
				id, skip := in.RequireRef("Widget", ref, "widget")
				if skip != "" {
					return Skipf("line %d: %s", i+1, skip)
				}
				lines = append(lines, Document{"ItemRef": map[string]any{"value": id}})
			}
			doc["Line"] = lines
			return Built(doc)
		},
	})
})

type serviceFixture struct {
	store  *memStore
	reader *memReader
	api    *fakeAPI
	svc    *Service
}

func newServiceFixture(t *testing.T, policy RetryPolicy) *serviceFixture {
	t.Helper()
	registerTestEntities()

	f := &serviceFixture{
		store:  newMemStore(),
		reader: &memReader{},
		api:    &fakeAPI{perSource: make(map[string][]fakeResponse)},
	}
	creds := NewCredentialCoordinator(&fakeSource{}, time.Hour)
	poster := NewPoster(f.api, NewRateGate(1000, 0), creds, f.store, policy)
	poster.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	f.svc = NewService(f.store, f.reader, poster, Options{Concurrency: 2, BatchSize: 2})

	f.reader.add("Widget",
		Row{"Id": "1", "Name": "Bolt"},
		Row{"Id": "2", "Name": "Nut"},
	)
	f.reader.add("Order",
		Row{"Id": "10", "DocNumber": "INV-1", "WidgetRef": "1"},
		Row{"Id": "11", "DocNumber": "INV-1", "WidgetRef": "2"},
		Row{"Id": "12", "DocNumber": "INV-2", "WidgetRef": "9"},
	)
	f.reader.add("Order_Line",
		Row{"Parent_Id": "10", "WidgetRef": "1"},
		Row{"Parent_Id": "10", "WidgetRef": "2"},
		Row{"Parent_Id": "11", "WidgetRef": "2"},
	)
	return f
}

func (f *serviceFixture) target(t *testing.T, entity, sourceID string) string {
	t.Helper()
	rec, ok := f.store.record(entity, sourceID)
	require.True(t, ok, "%s %s not mapped", entity, sourceID)
	require.NotNil(t, rec.TargetID, "%s %s has no target", entity, sourceID)
	return *rec.TargetID
}

func TestService_RunAllMigratesInDependencyOrder(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	ctx := context.Background()

	reports, err := f.svc.RunAll(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	widgets, orders := reports[0], reports[1]
	assert.Equal(t, "Widget", widgets.Entity)
	assert.Equal(t, OutcomeCompleted, widgets.Outcome)
	assert.Equal(t, 2, widgets.Initialized)
	assert.Equal(t, 2, widgets.Posted[StatusSuccess])

	assert.Equal(t, "Order", orders.Entity)
	assert.Equal(t, 3, orders.Initialized)
	assert.Equal(t, 2, orders.Built)
	assert.Equal(t, 1, orders.Skipped)
	assert.Equal(t, 2, orders.Posted[StatusSuccess])
	assert.Equal(t, int64(2), orders.Summary.Counts[StatusSuccess])
	assert.Equal(t, int64(1), orders.Summary.Counts[StatusSkipped])

	// Header and line references carry the widgets' target ids.
	rec, _ := f.store.record("Order", "10")
	var payload struct {
		WidgetRef map[string]string
		DocNumber string
		Line      []struct{ ItemRef map[string]string }
	}
	require.NoError(t, json.Unmarshal(rec.Payload, &payload))
	assert.Equal(t, f.target(t, "Widget", "1"), payload.WidgetRef["value"])
	assert.Equal(t, "INV-1", payload.DocNumber)
	require.Len(t, payload.Line, 2)
	assert.Equal(t, f.target(t, "Widget", "2"), payload.Line[1].ItemRef["value"])

	// The second INV-1 is renumbered.
	rec, _ = f.store.record("Order", "11")
	require.NotNil(t, rec.DuplicateKey)
	assert.Equal(t, "INV-1-01", *rec.DuplicateKey)

	skipped, _ := f.store.record("Order", "12")
	assert.Equal(t, StatusSkipped, skipped.Status)
	require.NotNil(t, skipped.FailureReason)
	assert.Equal(t, "unresolved widget reference (WidgetRef=9)", *skipped.FailureReason)
	require.Len(t, orders.Failures, 1)
	assert.Equal(t, "DEP001", orders.Failures[0].Guidance.Code)

	history, err := f.svc.History(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Order", history[0].Entity)
	assert.Equal(t, 2, history[0].Succeeded)
	assert.Equal(t, 1, history[0].Skipped)
}

func TestService_RerunIsIdempotent(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	ctx := context.Background()

	_, err := f.svc.RunAll(ctx, RunOptions{})
	require.NoError(t, err)
	sent := f.api.sendCount()
	firstTarget := f.target(t, "Widget", "1")

	reports, err := f.svc.RunAll(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, sent, f.api.sendCount(), "a rerun must not post anything")
	assert.Equal(t, firstTarget, f.target(t, "Widget", "1"))
	for _, r := range reports {
		assert.True(t, r.Resumed, r.Entity)
		assert.Zero(t, r.Initialized, r.Entity)
		assert.Empty(t, r.Posted, r.Entity)
	}
}

func TestService_ResumesFailedRecords(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{MaxRetries: 3, MaxTransient: 1})
	ctx := context.Background()
	f.api.perSource["Nut"] = []fakeResponse{{status: http.StatusBadGateway, body: "bad gateway"}}

	report, err := f.svc.Run(ctx, "Widget", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Posted[StatusSuccess])
	assert.Equal(t, 1, report.Posted[StatusFailed])

	nut, _ := f.store.record("Widget", "2")
	assert.Equal(t, StatusFailed, nut.Status)
	assert.Equal(t, 1, nut.RetryCount)
	require.NotNil(t, nut.FailureReason)
	assert.Contains(t, *nut.FailureReason, "status=502")

	report, err = f.svc.Run(ctx, "Widget", RunOptions{})
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, map[Status]int{StatusSuccess: 1}, report.Posted)
	assert.Equal(t, 3, f.api.sendCount())

	nut, _ = f.store.record("Widget", "2")
	assert.Equal(t, StatusSuccess, nut.Status)
	assert.Nil(t, nut.FailureReason)
}

func TestService_RetryBudgetStopsPosting(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{MaxRetries: 2})
	ctx := context.Background()
	bad := fakeResponse{status: http.StatusBadRequest, body: faultBody("2050", "Invalid String")}
	f.api.perSource["Nut"] = []fakeResponse{bad, bad, bad}

	for i := 0; i < 3; i++ {
		_, err := f.svc.Run(ctx, "Widget", RunOptions{})
		require.NoError(t, err)
	}

	nut, _ := f.store.record("Widget", "2")
	assert.Equal(t, StatusFailed, nut.Status)
	assert.Equal(t, 2, nut.RetryCount)
	// Bolt once plus Nut twice; the third run finds nothing eligible.
	assert.Equal(t, 3, f.api.sendCount())
}

func TestService_NewSourceRowsArePickedUp(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	ctx := context.Background()

	_, err := f.svc.Run(ctx, "Widget", RunOptions{})
	require.NoError(t, err)

	f.reader.add("Widget", Row{"Id": "3", "Name": "Washer"})
	report, err := f.svc.Run(ctx, "Widget", RunOptions{})
	require.NoError(t, err)

	assert.False(t, report.Resumed)
	assert.Equal(t, 1, report.Initialized)
	assert.Equal(t, 1, report.Built)
	assert.Equal(t, map[Status]int{StatusSuccess: 1}, report.Posted)
	assert.Equal(t, 3, f.api.sendCount())
}

func TestService_RequeueSkippedAfterDependencyArrives(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	ctx := context.Background()

	_, err := f.svc.RunAll(ctx, RunOptions{})
	require.NoError(t, err)

	f.reader.add("Widget", Row{"Id": "9", "Name": "Spring"})
	_, err = f.svc.Run(ctx, "Widget", RunOptions{})
	require.NoError(t, err)

	n, err := f.svc.Requeue(ctx, "order", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	report, err := f.svc.Run(ctx, "Order", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusSuccess: 1}, report.Posted)

	rec, _ := f.store.record("Order", "12")
	assert.Equal(t, StatusSuccess, rec.Status)
	require.NotNil(t, rec.DuplicateKey)
	assert.Equal(t, "INV-2", *rec.DuplicateKey)
}

func TestService_RequeueRejectsTerminalStatuses(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	_, err := f.svc.Requeue(context.Background(), "Widget", []Status{StatusSuccess})
	assert.Error(t, err)
}

func TestService_SkipPostBuildsOnly(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})

	report, err := f.svc.Run(context.Background(), "Widget", RunOptions{SkipPost: true})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Built)
	assert.Zero(t, f.api.sendCount())
	assert.Equal(t, int64(2), report.Summary.Counts[StatusReady])
	assert.Zero(t, report.Summary.MissingPayload)
}

func TestService_BatchSaveFallsBackToSingleRows(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	f.store.failBatchSave = true

	report, err := f.svc.Run(context.Background(), "Widget", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Built)
	assert.Equal(t, 2, report.Posted[StatusSuccess])
}

func TestService_StorageFailureAbortsRun(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	f.store.failUpdates["1"] = errors.New("disk full")

	report, err := f.svc.Run(context.Background(), "Widget", RunOptions{})
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Contains(t, report.Error, "disk full")

	history, _ := f.svc.History(context.Background(), "Widget", 1)
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeFailed, history[0].Outcome)
}

func TestService_RunInProgress(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	require.NoError(t, f.svc.acquire("Widget", "other"))
	defer f.svc.release("Widget")

	_, err := f.svc.Run(context.Background(), "Widget", RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, map[string]string{"Widget": "other"}, f.svc.Running())

	err = f.svc.Reset(context.Background(), "Widget")
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestService_UnknownEntity(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	_, err := f.svc.Run(context.Background(), "Nope", RunOptions{})
	assert.ErrorIs(t, err, ErrEntityNotFound)
	_, err = f.svc.Summary(context.Background(), "Nope")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestService_ResetDropsMappings(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	ctx := context.Background()

	_, err := f.svc.Run(ctx, "Widget", RunOptions{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Reset(ctx, "Widget"))

	sum, err := f.svc.Summary(ctx, "Widget")
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
}

func TestService_Progress(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})
	ctx := context.Background()

	_, err := f.svc.Run(ctx, "Widget", RunOptions{})
	require.NoError(t, err)

	progress, err := f.svc.Progress(ctx)
	require.NoError(t, err)

	byEntity := make(map[string]EntityProgress)
	for _, p := range progress {
		byEntity[p.Entity] = p
	}
	assert.True(t, byEntity["Widget"].Complete())
	assert.Equal(t, int64(3), byEntity["Order"].SourceCount)
	assert.False(t, byEntity["Order"].Complete())
}

func TestService_ListEntities(t *testing.T) {
	f := newServiceFixture(t, RetryPolicy{})

	infos := f.svc.ListEntities()
	byName := make(map[string]EntityInfo)
	for _, info := range infos {
		byName[info.Name] = info
	}
	order := byName["Order"]
	assert.True(t, order.DocNumber)
	assert.Equal(t, "DocNumber", order.NaturalKey)
	assert.Equal(t, []string{"Widget"}, order.Dependencies)
}

// registerNumbered registers throwaway entities that carry document numbers
// and removes them when the test ends.
func registerNumbered(t *testing.T, names ...string) {
	t.Helper()
	for i, name := range names {
		Register(EntityDefinition{
			Name:            name,
			Order:           10 + i,
			SourceTable:     name,
			DocNumberColumn: "DocNumber",
			Build: func(in BuildInput) BuildResult {
				doc := Document{"Name": in.Record.SourceID}
				if n, ok := in.DocNumber(); ok {
					doc.Set("DocNumber", n)
				}
				return Built(doc)
			},
		})
	}
	t.Cleanup(func() {
		registryMu.Lock()
		defer registryMu.Unlock()
		for _, name := range names {
			delete(registry, name)
		}
	})
}

func TestService_CrossCheckedNumbersStayUnique(t *testing.T) {
	registerNumbered(t, "Estimate", "Memo")
	ctx := context.Background()

	store := newMemStore()
	reader := &memReader{}
	api := &fakeAPI{}
	creds := NewCredentialCoordinator(&fakeSource{}, time.Hour)
	poster := NewPoster(api, NewRateGate(1000, 0), creds, store, RetryPolicy{})
	svc := NewService(store, reader, poster, Options{
		Concurrency:      2,
		BatchSize:        2,
		CrossCheckTables: []string{"Estimate", "Memo"},
	})

	reader.add("Estimate",
		Row{"Id": "20", "DocNumber": "X"},
		Row{"Id": "21", "DocNumber": "X"},
		Row{"Id": "22", "DocNumber": "Y"},
	)
	reader.add("Memo",
		Row{"Id": "30", "DocNumber": "X"},
		Row{"Id": "31", "DocNumber": "Y"},
		Row{"Id": "32", "DocNumber": "X-01"},
	)

	for _, entity := range []string{"Estimate", "Memo"} {
		report, err := svc.Run(ctx, entity, RunOptions{})
		require.NoError(t, err, entity)
		assert.Equal(t, 3, report.Posted[StatusSuccess], entity)
	}

	keys := make(map[string]string)
	for _, rec := range []struct{ entity, id string }{
		{"Estimate", "20"}, {"Estimate", "21"}, {"Estimate", "22"},
		{"Memo", "30"}, {"Memo", "31"}, {"Memo", "32"},
	} {
		r, ok := store.record(rec.entity, rec.id)
		require.True(t, ok)
		require.NotNil(t, r.DuplicateKey, "%s %s", rec.entity, rec.id)
		key := *r.DuplicateKey
		prev, dup := keys[key]
		assert.False(t, dup, "%s %s reuses %q from %s", rec.entity, rec.id, key, prev)
		keys[key] = rec.entity + " " + rec.id
		assert.LessOrEqual(t, len(key), MaxDocNumberLen)

		var payload struct{ DocNumber string }
		require.NoError(t, json.Unmarshal(r.Payload, &payload))
		assert.Equal(t, key, payload.DocNumber, "%s %s posts its key", rec.entity, rec.id)
	}

	assert.Equal(t, "Estimate 20", keys["X"], "the first occurrence keeps its number")
	assert.Equal(t, "Estimate 22", keys["Y"])
	assert.Equal(t, "Estimate 21", keys["X-01"])

	// Rerunning the first entity keeps its assignments.
	_, err := svc.Run(ctx, "Estimate", RunOptions{Rebuild: true})
	require.NoError(t, err)
	first, _ := store.record("Estimate", "20")
	assert.Equal(t, "X", *first.DuplicateKey)
}
