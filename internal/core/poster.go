package core

// poster.go drives one record through create/update with retries.
//
// Attempt budgets per record and posting pass:
//   - 401 refreshes the credential and retries, up to MaxAuthRetries.
//   - 429, 5xx and network errors back off exponentially and retry, up to
//     MaxTransient attempts. They do not touch RetryCount unless the budget
//     runs out, in which case the record fails once.
//   - Stale versions refetch the SyncToken, up to MaxStaleRetries.
//   - Validation failures fail immediately and increment RetryCount.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds the poster's retries.
type RetryPolicy struct {
	MaxRetries      int
	MaxTransient    int
	MaxAuthRetries  int
	MaxStaleRetries int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	RequestTimeout  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.MaxTransient <= 0 {
		p.MaxTransient = p.MaxRetries
	}
	// Zero selects the default; a negative budget disables the retry.
	switch {
	case p.MaxAuthRetries == 0:
		p.MaxAuthRetries = 2
	case p.MaxAuthRetries < 0:
		p.MaxAuthRetries = 0
	}
	switch {
	case p.MaxStaleRetries == 0:
		p.MaxStaleRetries = 3
	case p.MaxStaleRetries < 0:
		p.MaxStaleRetries = 0
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = time.Minute
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 40 * time.Second
	}
	return p
}

// backoff returns the wait before transient retry n (0-based). A server
// supplied Retry-After wins when it is longer.
func (p RetryPolicy) backoff(n int, hint time.Duration) time.Duration {
	d := p.BackoffBase
	for i := 0; i < n && d < p.BackoffMax; i++ {
		d *= 2
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	if hint > d {
		return hint
	}
	return d
}

// Result is the outcome of posting one record.
type Result struct {
	SourceID string     `json:"sourceId"`
	Status   Status     `json:"status"`
	TargetID string     `json:"targetId,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Class    ErrorClass `json:"class,omitempty"`
	Attempts int        `json:"attempts"`
	// Noop is set when the record was not eligible and nothing was sent.
	Noop bool `json:"noop,omitempty"`
}

// Poster posts records through one shared rate gate and credential.
type Poster struct {
	api    TargetAPI
	gate   *RateGate
	creds  *CredentialCoordinator
	store  MappingStore
	policy RetryPolicy

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoster creates a poster. The gate and coordinator are shared by every
// worker and entity.
func NewPoster(api TargetAPI, gate *RateGate, creds *CredentialCoordinator, store MappingStore, policy RetryPolicy) *Poster {
	return &Poster{
		api:    api,
		gate:   gate,
		creds:  creds,
		store:  store,
		policy: policy.withDefaults(),
		sleep:  sleepCtx,
	}
}

// Policy returns the effective retry policy.
func (p *Poster) Policy() RetryPolicy {
	return p.policy
}

// Post sends rec's cached payload and persists the outcome with a single
// status update. The returned error is reserved for storage failures,
// credential refresh failures and cancellation; API failures are Results.
func (p *Poster) Post(ctx context.Context, def *EntityDefinition, rec MappingRecord) (Result, error) {
	if rec.Status.Terminal() {
		return Result{SourceID: rec.SourceID, Status: rec.Status, TargetID: deref(rec.TargetID), Noop: true}, nil
	}
	if rec.RetryCount >= p.policy.MaxRetries {
		return Result{SourceID: rec.SourceID, Status: rec.Status, Reason: "retry budget exhausted", Noop: true}, nil
	}
	if len(rec.Payload) == 0 {
		return Result{SourceID: rec.SourceID, Status: rec.Status, Reason: "no payload", Noop: true}, nil
	}

	payload := []byte(rec.Payload)
	// refreshed holds the payload once a SyncToken was patched in, so a
	// failure keeps the newer version for the next pass.
	var refreshed []byte
	var attempts, transient, auth, stale int

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := p.gate.Wait(ctx); err != nil {
			return Result{}, err
		}
		cred, err := p.creds.EnsureFresh(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("credential: %w", err)
		}

		attempts++
		reqCtx, cancel := context.WithTimeout(ctx, p.policy.RequestTimeout)
		resp, sendErr := p.api.Send(reqCtx, cred, def.APIEntity, payload)
		cancel()
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		c := Classify(resp, sendErr)
		recordResponse(def.Name, c.Class)

		switch c.Class {
		case ClassSuccess:
			id := TargetIDFromResponse(resp.Body, def.APIEntity)
			if id == "" {
				id = payloadID(payload)
			}
			if id == "" {
				return p.fail(ctx, def, rec, refreshed, attempts, ClassValidation, "success response without an Id")
			}
			return p.succeed(ctx, def, rec, attempts, StatusSuccess, id)

		case ClassCredentialExpired:
			auth++
			if auth > p.policy.MaxAuthRetries {
				return p.fail(ctx, def, rec, refreshed, attempts, c.Class, c.Reason)
			}
			slog.Warn("credential rejected, refreshing", "entity", def.Name, "source_id", rec.SourceID)
			if _, err := p.creds.Invalidate(ctx, cred); err != nil {
				return Result{}, fmt.Errorf("credential: %w", err)
			}

		case ClassRateLimited, ClassTransientNetwork:
			transient++
			if transient >= p.policy.MaxTransient {
				return p.fail(ctx, def, rec, refreshed, attempts, c.Class, c.Reason)
			}
			wait := p.policy.backoff(transient-1, c.RetryAfter)
			slog.Debug("transient failure, backing off",
				"entity", def.Name, "source_id", rec.SourceID, "class", c.Class, "wait", wait)
			if err := p.sleep(ctx, wait); err != nil {
				return Result{}, err
			}

		case ClassConflictDuplicate:
			return p.resolveDuplicate(ctx, def, rec, payload, attempts, c)

		case ClassConflictStale:
			stale++
			if stale > p.policy.MaxStaleRetries {
				return p.fail(ctx, def, rec, refreshed, attempts, c.Class, c.Reason)
			}
			patched, err := p.refreshVersion(ctx, def, payload)
			if err != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				return p.fail(ctx, def, rec, refreshed, attempts, c.Class, c.Reason+" | refetch: "+err.Error())
			}
			payload, refreshed = patched, patched

		default:
			return p.fail(ctx, def, rec, refreshed, attempts, c.Class, c.Reason)
		}
	}
}

// resolveDuplicate looks the record up by natural key after a duplicate
// conflict. A hit adopts the existing target as Exists.
func (p *Poster) resolveDuplicate(ctx context.Context, def *EntityDefinition, rec MappingRecord, payload []byte, attempts int, c Classification) (Result, error) {
	if id := c.Fault.ExistingID(); id != "" {
		slog.Info("adopted existing target record from fault detail",
			"entity", def.Name, "source_id", rec.SourceID, "target_id", id)
		return p.succeed(ctx, def, rec, attempts, StatusExists, id)
	}
	if def.NaturalKey == nil {
		return p.fail(ctx, def, rec, nil, attempts, ClassValidation, c.Reason)
	}
	value := payloadString(payload, def.NaturalKey.Field)
	if value == "" {
		return p.fail(ctx, def, rec, nil, attempts, ClassValidation, c.Reason+" | no "+def.NaturalKey.Field+" to look up")
	}

	id, found, err := p.lookupByName(ctx, def, value)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return p.fail(ctx, def, rec, nil, attempts, ClassConflictDuplicate, c.Reason+" | lookup: "+err.Error())
	}
	if !found {
		return p.fail(ctx, def, rec, nil, attempts, ClassValidation, c.Reason+" | no existing record matched")
	}

	slog.Info("adopted existing target record",
		"entity", def.Name, "source_id", rec.SourceID, "target_id", id)
	return p.succeed(ctx, def, rec, attempts, StatusExists, id)
}

// lookupByName runs the exact query and then the normalized page scan. Each
// request takes its own gate slot.
func (p *Poster) lookupByName(ctx context.Context, def *EntityDefinition, value string) (string, bool, error) {
	field := def.NaturalKey.Field
	var id string
	var found bool
	err := p.withCredential(ctx, func(ctx context.Context, cred Credential) error {
		var err error
		id, found, err = p.api.FindByName(ctx, cred, def.APIEntity, field, value)
		return err
	})
	if err != nil || found {
		return id, found, err
	}

	for start := 1; start > 0; {
		next := 0
		err := p.withCredential(ctx, func(ctx context.Context, cred Credential) error {
			var err error
			id, found, next, err = p.api.ScanNames(ctx, cred, def.APIEntity, field, value, start)
			return err
		})
		if err != nil || found {
			return id, found, err
		}
		start = next
	}
	return "", false, nil
}

// refreshVersion reads the current SyncToken and patches it into payload.
func (p *Poster) refreshVersion(ctx context.Context, def *EntityDefinition, payload []byte) ([]byte, error) {
	id := payloadID(payload)
	if id == "" {
		return nil, errors.New("payload has no Id")
	}
	var token string
	err := p.withCredential(ctx, func(ctx context.Context, cred Credential) error {
		var err error
		token, err = p.api.ReadVersion(ctx, cred, def.APIEntity, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return patchSyncToken(payload, token)
}

// withCredential runs one rate-gated lookup, refreshing on 401 within the
// auth budget.
func (p *Poster) withCredential(ctx context.Context, fn func(context.Context, Credential) error) error {
	for auth := 0; ; auth++ {
		if err := p.gate.Wait(ctx); err != nil {
			return err
		}
		cred, err := p.creds.EnsureFresh(ctx)
		if err != nil {
			return fmt.Errorf("credential: %w", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.policy.RequestTimeout)
		err = fn(reqCtx, cred)
		cancel()

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 401 && auth < p.policy.MaxAuthRetries {
			if _, err := p.creds.Invalidate(ctx, cred); err != nil {
				return fmt.Errorf("credential: %w", err)
			}
			continue
		}
		return err
	}
}

func (p *Poster) succeed(ctx context.Context, def *EntityDefinition, rec MappingRecord, attempts int, status Status, id string) (Result, error) {
	u := StatusUpdate{SourceID: rec.SourceID, Status: status, TargetID: &id}
	if err := p.store.UpdateStatus(ctx, def.Name, u); err != nil {
		return Result{}, fmt.Errorf("update %s %s: %w", def.Name, rec.SourceID, err)
	}
	recordPost(def.Name, status)
	return Result{SourceID: rec.SourceID, Status: status, TargetID: id, Attempts: attempts}, nil
}

// fail marks rec Failed. A non-nil payload replaces the stored one.
func (p *Poster) fail(ctx context.Context, def *EntityDefinition, rec MappingRecord, payload []byte, attempts int, class ErrorClass, reason string) (Result, error) {
	reason = truncate(reason, MaxFailureReasonLen)
	u := StatusUpdate{
		SourceID:       rec.SourceID,
		Status:         StatusFailed,
		FailureReason:  &reason,
		Payload:        payload,
		IncrementRetry: true,
	}
	if err := p.store.UpdateStatus(ctx, def.Name, u); err != nil {
		return Result{}, fmt.Errorf("update %s %s: %w", def.Name, rec.SourceID, err)
	}
	recordPost(def.Name, StatusFailed)
	slog.Warn("post failed",
		"entity", def.Name, "source_id", rec.SourceID, "class", class, "attempts", attempts, "reason", reason)
	return Result{SourceID: rec.SourceID, Status: StatusFailed, Reason: reason, Class: class, Attempts: attempts}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodePayload(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// payloadString returns a top-level string field of a payload.
func payloadString(payload []byte, field string) string {
	doc, err := decodePayload(payload)
	if err != nil {
		return ""
	}
	switch v := doc[field].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func payloadID(payload []byte) string {
	return payloadString(payload, "Id")
}

// patchSyncToken sets SyncToken and marks the update sparse.
func patchSyncToken(payload []byte, token string) ([]byte, error) {
	doc, err := decodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	doc["SyncToken"] = token
	doc["sparse"] = true
	return json.Marshal(doc)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
