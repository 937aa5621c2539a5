package core

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		resp       *APIResponse
		err        error
		wantClass  ErrorClass
		wantReason string // prefix
	}{
		{
			name:      "created",
			resp:      &APIResponse{StatusCode: 200, Body: []byte(`{"Customer":{"Id":"1"}}`)},
			wantClass: ClassSuccess,
		},
		{
			name:       "network error",
			err:        errors.New("dial tcp: i/o timeout"),
			wantClass:  ClassTransientNetwork,
			wantReason: "network: dial tcp: i/o timeout",
		},
		{
			name:       "unauthorized",
			resp:       &APIResponse{StatusCode: 401, Body: []byte(`{"fault":{"error":[{"message":"message=AuthenticationFailed"}]}}`)},
			wantClass:  ClassCredentialExpired,
			wantReason: "status=401 | code= | msg=message=AuthenticationFailed",
		},
		{
			name:       "throttled",
			resp:       &APIResponse{StatusCode: 429, Body: []byte("ThrottleExceeded")},
			wantClass:  ClassRateLimited,
			wantReason: "status=429 | body=ThrottleExceeded",
		},
		{
			name:      "server error",
			resp:      &APIResponse{StatusCode: 503},
			wantClass: ClassTransientNetwork,
		},
		{
			name:       "duplicate name",
			resp:       &APIResponse{StatusCode: 400, Body: []byte(faultBody("6240", "Duplicate Name Exists Error"))},
			wantClass:  ClassConflictDuplicate,
			wantReason: "status=400 | code=6240 | msg=Duplicate Name Exists Error",
		},
		{
			name:      "duplicate document number",
			resp:      &APIResponse{StatusCode: 400, Body: []byte(faultBody("6140", "Duplicate Document Number Error"))},
			wantClass: ClassConflictDuplicate,
		},
		{
			name:      "duplicate by message only",
			resp:      &APIResponse{StatusCode: 400, Body: []byte(faultBody("", "Another customer has a duplicate name"))},
			wantClass: ClassConflictDuplicate,
		},
		{
			name:      "bare conflict",
			resp:      &APIResponse{StatusCode: 409},
			wantClass: ClassConflictDuplicate,
		},
		{
			name:      "stale object",
			resp:      &APIResponse{StatusCode: 400, Body: []byte(faultBody("5010", "Stale Object Error"))},
			wantClass: ClassConflictStale,
		},
		{
			name:       "business validation",
			resp:       &APIResponse{StatusCode: 400, Body: []byte(faultBody("6000", "A business validation error has occurred"))},
			wantClass:  ClassValidation,
			wantReason: "status=400 | code=6000",
		},
		{
			name:      "forbidden",
			resp:      &APIResponse{StatusCode: 403, Body: []byte("forbidden")},
			wantClass: ClassValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.resp, tt.err)
			if c.Class != tt.wantClass {
				t.Fatalf("Class = %s, want %s (reason %q)", c.Class, tt.wantClass, c.Reason)
			}
			if tt.wantClass == ClassSuccess && c.Reason != "" {
				t.Errorf("success carries reason %q", c.Reason)
			}
			if !strings.HasPrefix(c.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want prefix %q", c.Reason, tt.wantReason)
			}
		})
	}
}

func TestClassify_ReasonTruncated(t *testing.T) {
	body := strings.Repeat("x", 5000)
	c := Classify(&APIResponse{StatusCode: 400, Body: []byte(body)}, nil)
	if len(c.Reason) != MaxFailureReasonLen {
		t.Errorf("len(Reason) = %d, want %d", len(c.Reason), MaxFailureReasonLen)
	}
}

func TestClassify_RetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	c := Classify(&APIResponse{StatusCode: 429, Header: h}, nil)
	if c.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", c.RetryAfter)
	}

	h.Set("Retry-After", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	c = Classify(&APIResponse{StatusCode: 503, Header: h}, nil)
	if c.RetryAfter <= 50*time.Second || c.RetryAfter > time.Minute {
		t.Errorf("RetryAfter from date = %v, want about 1m", c.RetryAfter)
	}

	h.Set("Retry-After", "soon")
	c = Classify(&APIResponse{StatusCode: 429, Header: h}, nil)
	if c.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 for garbage", c.RetryAfter)
	}
}

func TestErrorClass_Retryable(t *testing.T) {
	retryable := map[ErrorClass]bool{
		ClassTransientNetwork:  true,
		ClassRateLimited:       true,
		ClassValidation:        false,
		ClassConflictDuplicate: false,
		ClassCredentialExpired: false,
	}
	for class, want := range retryable {
		if got := class.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", class, got, want)
		}
	}
}

func TestParseFault(t *testing.T) {
	f := ParseFault([]byte(faultBody("6240", "Duplicate Name Exists Error")))
	if f == nil {
		t.Fatal("ParseFault returned nil")
	}
	if f.Code != "6240" || f.Type != "ValidationFault" {
		t.Errorf("fault = %+v", f)
	}
	want := "code=6240 | msg=Duplicate Name Exists Error | detail=Duplicate Name Exists Error detail"
	if f.String() != want {
		t.Errorf("String() = %q, want %q", f.String(), want)
	}

	if ParseFault([]byte(`{"Customer":{}}`)) != nil {
		t.Error("expected nil fault for success body")
	}
	if ParseFault([]byte(`<html>`)) != nil {
		t.Error("expected nil fault for non-JSON body")
	}
}

func TestTargetIDFromResponse(t *testing.T) {
	tests := []struct {
		body   string
		entity string
		want   string
	}{
		{`{"Invoice":{"Id":"145","SyncToken":"0"},"time":"x"}`, "Invoice", "145"},
		{`{"invoice":{"Id":"145"}}`, "Invoice", "145"},
		{`{"Item":{"Id":77}}`, "Item", "77"},
		{`{"Item":{}}`, "Item", ""},
		{`{"Other":{"Id":"1"}}`, "Item", ""},
		{`garbage`, "Item", ""},
	}
	for _, tt := range tests {
		if got := TargetIDFromResponse([]byte(tt.body), tt.entity); got != tt.want {
			t.Errorf("TargetIDFromResponse(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
