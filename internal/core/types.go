package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Status is the lifecycle state of a mapping record.
type Status string

const (
	StatusReady   Status = "Ready"
	StatusSuccess Status = "Success"
	StatusExists  Status = "Exists"
	StatusFailed  Status = "Failed"
	StatusSkipped Status = "Skipped"
)

// AllStatuses lists every status in reporting order.
var AllStatuses = []Status{StatusReady, StatusSuccess, StatusExists, StatusFailed, StatusSkipped}

// Terminal reports whether the record has a target and must never be posted again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusExists
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusSuccess, StatusExists, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(v string) (Status, error) {
	for _, s := range AllStatuses {
		if equalFold(string(s), v) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// Sentinel errors.
var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrRunInProgress       = errors.New("run already in progress for entity")
	ErrInvalidStatusUpdate = errors.New("invalid status update")
)

// MappingRecord is one row of an entity's mapping table.
type MappingRecord struct {
	Seq            int64              `json:"seq"`
	SourceID       string             `json:"sourceId"`
	TargetID       *string            `json:"targetId,omitempty"`
	Status         Status             `json:"status"`
	RetryCount     int                `json:"retryCount"`
	FailureReason  *string            `json:"failureReason,omitempty"`
	Payload        json.RawMessage    `json:"payload,omitempty"`
	DuplicateKey   *string            `json:"duplicateKey,omitempty"`
	DocNumber      *string            `json:"docNumber,omitempty"`
	MappedRefs     map[string]*string `json:"mappedRefs,omitempty"`
	SourceRow      json.RawMessage    `json:"-"`
	TargetInactive bool               `json:"targetInactive,omitempty"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Source decodes the snapshot of the source row taken at scan time.
func (r MappingRecord) Source() (Row, error) {
	return DecodeRow(r.SourceRow)
}

// StatusUpdate is a partial update of one mapping record.
//
// TargetID is always written: it must be set for Success and Exists and
// nil otherwise. FailureReason is cleared for terminal statuses and left
// unchanged when nil. Payload is left unchanged when nil.
type StatusUpdate struct {
	SourceID       string
	Status         Status
	TargetID       *string
	FailureReason  *string
	Payload        json.RawMessage
	IncrementRetry bool
}

// Validate enforces the target id invariant.
func (u StatusUpdate) Validate() error {
	if u.SourceID == "" {
		return fmt.Errorf("%w: empty source id", ErrInvalidStatusUpdate)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidStatusUpdate, u.Status)
	}
	hasTarget := u.TargetID != nil && *u.TargetID != ""
	if u.Status.Terminal() != hasTarget {
		return fmt.Errorf("%w: status %s with target id present=%v", ErrInvalidStatusUpdate, u.Status, hasTarget)
	}
	if u.Status.Terminal() && u.IncrementRetry {
		return fmt.Errorf("%w: retry increment on %s", ErrInvalidStatusUpdate, u.Status)
	}
	return nil
}

// FailureValue returns the failure_reason value to write and whether to write it.
func (u StatusUpdate) FailureValue() (*string, bool) {
	if u.Status.Terminal() {
		return nil, true
	}
	if u.FailureReason != nil {
		return u.FailureReason, true
	}
	return nil, false
}

// PayloadFilter narrows FetchEligible by payload presence.
type PayloadFilter int

const (
	AnyPayload PayloadFilter = iota
	WithPayload
	WithoutPayload
)

// EligibleQuery selects mapping records in source order.
type EligibleQuery struct {
	Statuses   []Status
	MaxRetries int // retry_count < MaxRetries when > 0
	Payload    PayloadFilter
	AfterSeq   int64
	Limit      int
}

// DocNumberRow is the duplicate-key view of a mapping record.
type DocNumberRow struct {
	Seq          int64
	SourceID     string
	DocNumber    *string
	DuplicateKey *string
	Status       Status
	HasPayload   bool
}

// PayloadUpdate stores a built document for one record.
type PayloadUpdate struct {
	SourceID string
	Payload  json.RawMessage
	Inactive bool
}

// TargetRef is a resolved reference to a migrated record.
type TargetRef struct {
	ID       string
	Inactive bool
}

// Summary counts an entity's records by status.
type Summary struct {
	Entity         string           `json:"entity"`
	Total          int64            `json:"total"`
	Counts         map[Status]int64 `json:"counts"`
	MissingPayload int64            `json:"missingPayload"`
}

// RunRecord is one row of migration run history.
type RunRecord struct {
	RunID      string    `json:"runId"`
	Entity     string    `json:"entity"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Outcome    string    `json:"outcome"`
	Posted     int       `json:"posted"`
	Succeeded  int       `json:"succeeded"`
	Existing   int       `json:"existing"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

// Credential is the shared access credential for the target API.
type Credential struct {
	AccessToken string
	RealmID     string
	IssuedAt    time.Time
}

// APIResponse is the raw outcome of one target API call.
type APIResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// APIError is returned by lookups that receive a non-2xx response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, truncate(string(e.Body), 300))
}
