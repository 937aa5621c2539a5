package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ----------------------------------------------------------------------------
// memStore: in-memory MappingStore
// ----------------------------------------------------------------------------

type memTable struct {
	seq  int64
	rows []*MappingRecord
	byID map[string]*MappingRecord
}

type memStore struct {
	mu     sync.Mutex
	tables map[string]*memTable
	runs   []RunRecord

	// failUpdates makes UpdateStatus fail for the given source ids.
	failUpdates map[string]error
	// failBatchSave makes multi-row SavePayloads calls fail.
	failBatchSave bool
}

func newMemStore() *memStore {
	return &memStore{tables: make(map[string]*memTable), failUpdates: make(map[string]error)}
}

func cloneRecord(r *MappingRecord) MappingRecord {
	out := *r
	out.MappedRefs = make(map[string]*string, len(r.MappedRefs))
	for k, v := range r.MappedRefs {
		out.MappedRefs[k] = v
	}
	return out
}

func (s *memStore) table(entity string) *memTable {
	return s.tables[entity]
}

func (s *memStore) EnsureTable(_ context.Context, def *EntityDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[def.Name] == nil {
		s.tables[def.Name] = &memTable{byID: make(map[string]*MappingRecord)}
	}
	return nil
}

func (s *memStore) Initialize(_ context.Context, def *EntityDefinition, rows []SourceRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[def.Name]
	if t == nil {
		return 0, errors.New("table missing")
	}
	inserted := 0
	for _, r := range rows {
		if _, ok := t.byID[r.SourceID]; ok {
			continue
		}
		t.seq++
		rec := &MappingRecord{
			Seq:        t.seq,
			SourceID:   r.SourceID,
			Status:     StatusReady,
			DocNumber:  r.DocNumber,
			SourceRow:  r.Row,
			MappedRefs: make(map[string]*string),
			UpdatedAt:  time.Now(),
		}
		t.rows = append(t.rows, rec)
		t.byID[r.SourceID] = rec
		inserted++
	}
	return inserted, nil
}

func (s *memStore) Count(_ context.Context, entity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.table(entity); t != nil {
		return int64(len(t.rows)), nil
	}
	return 0, nil
}

func (s *memStore) CountMissingPayload(_ context.Context, entity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if t := s.table(entity); t != nil {
		for _, r := range t.rows {
			if r.Status == StatusReady && len(r.Payload) == 0 {
				n++
			}
		}
	}
	return n, nil
}

func (s *memStore) FetchEligible(_ context.Context, entity string, q EligibleQuery) ([]MappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(entity)
	if t == nil {
		return nil, nil
	}
	var out []MappingRecord
	for _, r := range t.rows {
		if r.Seq <= q.AfterSeq {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, r.Status) {
			continue
		}
		if q.MaxRetries > 0 && r.RetryCount >= q.MaxRetries {
			continue
		}
		if q.Payload == WithPayload && len(r.Payload) == 0 {
			continue
		}
		if q.Payload == WithoutPayload && len(r.Payload) != 0 {
			continue
		}
		out = append(out, cloneRecord(r))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *memStore) UpdateStatus(_ context.Context, entity string, u StatusUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failUpdates[u.SourceID]; err != nil {
		return err
	}
	t := s.table(entity)
	if t == nil {
		return errors.New("table missing")
	}
	r, ok := t.byID[u.SourceID]
	if !ok {
		return fmt.Errorf("no row %s", u.SourceID)
	}
	r.Status = u.Status
	if u.TargetID != nil {
		id := *u.TargetID
		r.TargetID = &id
	} else {
		r.TargetID = nil
	}
	if v, write := u.FailureValue(); write {
		r.FailureReason = v
	}
	if u.Payload != nil {
		r.Payload = u.Payload
	}
	if u.IncrementRetry {
		r.RetryCount++
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) SetReferences(_ context.Context, def *EntityDefinition, refs map[string]map[string]*string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(def.Name)
	for id, cols := range refs {
		r, ok := t.byID[id]
		if !ok {
			continue
		}
		for col, v := range cols {
			r.MappedRefs[col] = v
		}
	}
	return nil
}

func (s *memStore) LoadTargets(_ context.Context, entity string) (map[string]TargetRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TargetRef)
	if t := s.table(entity); t != nil {
		for _, r := range t.rows {
			if r.Status.Terminal() && r.TargetID != nil {
				out[r.SourceID] = TargetRef{ID: *r.TargetID, Inactive: r.TargetInactive}
			}
		}
	}
	return out, nil
}

func (s *memStore) DocNumbers(_ context.Context, entity string) ([]DocNumberRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DocNumberRow
	if t := s.table(entity); t != nil {
		for _, r := range t.rows {
			out = append(out, DocNumberRow{
				Seq:          r.Seq,
				SourceID:     r.SourceID,
				DocNumber:    r.DocNumber,
				DuplicateKey: r.DuplicateKey,
				Status:       r.Status,
				HasPayload:   len(r.Payload) > 0,
			})
		}
	}
	return out, nil
}

func (s *memStore) UsedDocNumbers(_ context.Context, entities []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := make(map[string]struct{})
	for _, e := range entities {
		t := s.table(e)
		if t == nil {
			continue
		}
		for _, r := range t.rows {
			if r.DocNumber != nil {
				used[*r.DocNumber] = struct{}{}
			}
			if r.DuplicateKey != nil {
				used[*r.DuplicateKey] = struct{}{}
			}
		}
	}
	return used, nil
}

func (s *memStore) ApplyDuplicateKeys(_ context.Context, entity string, keys map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(entity)
	for id, key := range keys {
		if r, ok := t.byID[id]; ok {
			k := key
			r.DuplicateKey = &k
		}
	}
	return nil
}

func (s *memStore) SavePayloads(_ context.Context, entity string, updates []PayloadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBatchSave && len(updates) > 1 {
		return errors.New("batch write failed")
	}
	t := s.table(entity)
	for _, u := range updates {
		if r, ok := t.byID[u.SourceID]; ok {
			r.Payload = u.Payload
			r.TargetInactive = u.Inactive
		}
	}
	return nil
}

func (s *memStore) Summary(_ context.Context, entity string) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{Entity: entity, Counts: make(map[Status]int64)}
	if t := s.table(entity); t != nil {
		for _, r := range t.rows {
			sum.Total++
			sum.Counts[r.Status]++
			if r.Status == StatusReady && len(r.Payload) == 0 {
				sum.MissingPayload++
			}
		}
	}
	return sum, nil
}

func (s *memStore) Failures(_ context.Context, entity string, limit int) ([]MappingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MappingRecord
	if t := s.table(entity); t != nil {
		for _, r := range t.rows {
			if r.Status == StatusFailed || r.Status == StatusSkipped {
				out = append(out, cloneRecord(r))
				if limit > 0 && len(out) == limit {
					break
				}
			}
		}
	}
	return out, nil
}

func (s *memStore) Requeue(_ context.Context, entity string, statuses []Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if t := s.table(entity); t != nil {
		for _, r := range t.rows {
			if r.Status.Terminal() || !containsStatus(statuses, r.Status) {
				continue
			}
			r.Status = StatusReady
			r.Payload = nil
			r.FailureReason = nil
			r.RetryCount = 0
			r.MappedRefs = make(map[string]*string)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Reset(_ context.Context, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, entity)
	return nil
}

func (s *memStore) RecordRun(_ context.Context, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *memStore) RunHistory(_ context.Context, entity string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for i := len(s.runs) - 1; i >= 0; i-- {
		if entity != "" && s.runs[i].Entity != entity {
			continue
		}
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// record returns a copy of one mapping row.
func (s *memStore) record(entity, sourceID string) (MappingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(entity)
	if t == nil {
		return MappingRecord{}, false
	}
	r, ok := t.byID[sourceID]
	if !ok {
		return MappingRecord{}, false
	}
	return cloneRecord(r), true
}

// seed inserts one record with a payload ready to post.
func (s *memStore) seed(def *EntityDefinition, sourceID string, payload string) {
	ctx := context.Background()
	_ = s.EnsureTable(ctx, def)
	_, _ = s.Initialize(ctx, def, []SourceRecord{{SourceID: sourceID, Row: []byte(`{}`)}})
	_ = s.SavePayloads(ctx, def.Name, []PayloadUpdate{{SourceID: sourceID, Payload: json.RawMessage(payload)}})
}

// ----------------------------------------------------------------------------
// memReader: in-memory SourceReader
// ----------------------------------------------------------------------------

type memReader struct {
	mu     sync.Mutex
	tables map[string][]Row
}

func (r *memReader) add(table string, rows ...Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables == nil {
		r.tables = make(map[string][]Row)
	}
	r.tables[table] = append(r.tables[table], rows...)
}

func (r *memReader) Count(_ context.Context, table string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.tables[table])), nil
}

func (r *memReader) ReadRows(_ context.Context, table, sortColumn string) ([]Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := append([]Row(nil), r.tables[table]...)
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i].String(sortColumn)
		b, _ := rows[j].String(sortColumn)
		return a < b
	})
	return rows, nil
}

func (r *memReader) ReadLines(_ context.Context, table, parentColumn string, parentIDs []string) (map[string][]Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]bool, len(parentIDs))
	for _, id := range parentIDs {
		want[id] = true
	}
	out := make(map[string][]Row)
	for _, row := range r.tables[table] {
		parent, _ := row.String(parentColumn)
		if want[parent] {
			out[parent] = append(out[parent], row)
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// fakeAPI: scripted TargetAPI
// ----------------------------------------------------------------------------

type fakeResponse struct {
	status int
	body   string
	header http.Header
	err    error
}

type fakeAPI struct {
	mu sync.Mutex

	// script is consumed in order; once empty every Send succeeds.
	script []fakeResponse
	// perSource scripts responses for payloads whose "Name" matches.
	perSource map[string][]fakeResponse

	sent    [][]byte
	tokens  []string
	nextID  int
	finds   int
	find    func(entity, field, value string) (string, bool, error)
	scans   []int
	scan    func(entity, field, value string, start int) (string, bool, int, error)
	version func(entity, id string) (string, error)
}

func (a *fakeAPI) Send(_ context.Context, cred Credential, entity string, payload []byte) (*APIResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sent = append(a.sent, append([]byte(nil), payload...))
	a.tokens = append(a.tokens, cred.AccessToken)

	var next *fakeResponse
	name := payloadString(payload, "Name")
	if q := a.perSource[name]; len(q) > 0 {
		next = &q[0]
		a.perSource[name] = q[1:]
	} else if len(a.script) > 0 {
		next = &a.script[0]
		a.script = a.script[1:]
	}

	if next == nil || (next.err == nil && next.status == 0) {
		a.nextID++
		body := fmt.Sprintf(`{%q:{"Id":"T%d","SyncToken":"0"},"time":"2024-01-01T00:00:00Z"}`, entity, a.nextID)
		return &APIResponse{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}
	if next.err != nil {
		return nil, next.err
	}
	h := next.header
	if h == nil {
		h = http.Header{}
	}
	return &APIResponse{StatusCode: next.status, Header: h, Body: []byte(next.body)}, nil
}

func (a *fakeAPI) FindByName(_ context.Context, _ Credential, entity, field, value string) (string, bool, error) {
	a.mu.Lock()
	a.finds++
	find := a.find
	a.mu.Unlock()
	if find == nil {
		return "", false, nil
	}
	return find(entity, field, value)
}

func (a *fakeAPI) ScanNames(_ context.Context, _ Credential, entity, field, value string, start int) (string, bool, int, error) {
	a.mu.Lock()
	a.scans = append(a.scans, start)
	scan := a.scan
	a.mu.Unlock()
	if scan == nil {
		return "", false, 0, nil
	}
	return scan(entity, field, value, start)
}

func (a *fakeAPI) ReadVersion(_ context.Context, _ Credential, entity, id string) (string, error) {
	if a.version == nil {
		return "", errors.New("not supported")
	}
	return a.version(entity, id)
}

func (a *fakeAPI) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *fakeAPI) lastSent() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return nil
	}
	return a.sent[len(a.sent)-1]
}

func faultBody(code, msg string) string {
	return fmt.Sprintf(`{"Fault":{"Error":[{"Message":%q,"Detail":%q,"code":%q}],"type":"ValidationFault"}}`, msg, msg+" detail", code)
}

// ----------------------------------------------------------------------------
// fakeSource: counting CredentialSource
// ----------------------------------------------------------------------------

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	err     error
	realmID string
}

func (f *fakeSource) Refresh(ctx context.Context) (Credential, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Credential{}, f.err
	}
	f.calls++
	return Credential{AccessToken: fmt.Sprintf("tok-%d", f.calls), RealmID: f.realmID, IssuedAt: time.Now()}, nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
