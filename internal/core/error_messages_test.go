package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestMapFailure(t *testing.T) {
	tests := []struct {
		name     string
		reason   string
		wantCode string
	}{
		{
			name:     "empty reason returns empty",
			reason:   "",
			wantCode: "",
		},
		{
			name:     "duplicate name fault",
			reason:   "status=400 | code=6240 | msg=Duplicate Name Exists Error | detail=The name supplied already exists. : Id=12",
			wantCode: "API001",
		},
		{
			name:     "duplicate document number fault",
			reason:   "status=400 | code=6140 | msg=Duplicate Document Number Error | detail=...",
			wantCode: "API001",
		},
		{
			name:     "stale object",
			reason:   "status=400 | code=5010 | msg=Stale Object Error | detail=You and root were working on this at the same time.",
			wantCode: "API002",
		},
		{
			name:     "invalid reference",
			reason:   "status=400 | code=2500 | msg=Invalid Reference Id | detail=Invalid Reference Id : Customer assigned to this transaction has been deleted",
			wantCode: "API003",
		},
		{
			name:     "required param takes precedence over dependency wording",
			reason:   "status=400 | code=2020 | msg=Required param missing, need to supply the required value for the API | detail=Required parameter Line.Amount is missing in the request",
			wantCode: "API004",
		},
		{
			name:     "other validation falls back to business rule",
			reason:   "status=400 | code=6000 | msg=A business validation error has occurred while processing your request | detail=Business Validation Error: something",
			wantCode: "API006",
		},
		{
			name:     "auth exhausted",
			reason:   "status=401 | body=",
			wantCode: "AUTH001",
		},
		{
			name:     "rate limited",
			reason:   "status=429 | body=Too Many Requests",
			wantCode: "NET001",
		},
		{
			name:     "server error",
			reason:   "status=503 | body=unavailable",
			wantCode: "NET002",
		},
		{
			name:     "network",
			reason:   "network: dial tcp 10.0.0.1:443: connect: connection refused",
			wantCode: "NET003",
		},
		{
			name:     "unresolved reference skip",
			reason:   "unresolved customer reference (CustomerRef=42)",
			wantCode: "DEP001",
		},
		{
			name:     "unmapped line item skip",
			reason:   "line 2: unmapped item 77",
			wantCode: "DEP001",
		},
		{
			name:     "inactive target skip",
			reason:   "item 77 maps to inactive target 301",
			wantCode: "DEP002",
		},
		{
			name:     "missing reference skip",
			reason:   "line 1: missing account",
			wantCode: "DEP003",
		},
		{
			name:     "case insensitive matching",
			reason:   "STATUS=400 | CODE=6240 | MSG=DUPLICATE",
			wantCode: "API001",
		},
		{
			name:     "unknown reason returns default",
			reason:   "something nobody anticipated",
			wantCode: "ERR000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapFailure(tt.reason)
			if got.Code != tt.wantCode {
				t.Errorf("MapFailure() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"run in progress", fmt.Errorf("run Invoice: %w", ErrRunInProgress), "ENG001"},
		{"unknown entity", fmt.Errorf("%w: Widget", ErrEntityNotFound), "ENG002"},
		{"too many runs", ErrTooManyRuns, "ENG003"},
		{"cancelled", fmt.Errorf("post batch: %w", errors.New("context canceled")), "ENG004"},
		{"storage", errors.New("update map_invoice: sql: database is closed"), "DB001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapError(tt.err); got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	err := fmt.Errorf("run Bill: %w", ErrRunInProgress)
	result := FormatUserError(err)

	expected := "Another run of this entity is active (Code: ENG001). Wait for it to finish"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error is not user facing", err: nil, want: false},
		{name: "known error is user facing", err: ErrEntityNotFound, want: true},
		{name: "unknown error is not user facing", err: errors.New("random internal error xyz"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := fmt.Errorf("run Invoice: %w", ErrRunInProgress)
		userErr := NewUserError(techErr)

		if userErr.Error() != "Another run of this entity is active" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}
		if !errors.Is(userErr, ErrRunInProgress) {
			t.Error("Unwrap() should expose the original error")
		}
	})
}
