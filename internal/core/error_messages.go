package core

// error_messages.go maps stored failure reasons and engine errors to
// operator guidance with a stable code for support reference.
//
// # Error Codes Reference
//
// Codes are grouped by category:
//
// # Target API Rejections (API001-API099)
//
// Failure reasons recorded when the destination rejected a document:
//
//	API001 - Duplicate: A record with this name or number already exists remotely
//	         Action: Check the natural key; requeue once the remote record is renamed or merged
//	         Patterns: "code=6240", "code=6140", "duplicate name", "duplicate document number"
//
//	API002 - Stale version: The remote record changed while it was being updated
//	         Action: Requeue the record to refetch the current version
//	         Patterns: "code=5010", "stale object"
//
//	API003 - Invalid reference: The document points at a record the destination does not know
//	         Action: Verify the referenced entity migrated, then requeue
//	         Patterns: "invalid reference id", "object not found"
//
//	API004 - Missing field: A field the destination requires is empty
//	         Action: Fill the field in the source row or the entity mapping
//	         Patterns: "required param missing", "required parameter"
//
//	API005 - Closed period: The transaction date falls in a closed books period
//	         Action: Reopen the period in the destination or adjust the date
//	         Patterns: "closed period", "account period closed"
//
//	API006 - Business rule: The destination rejected the document
//	         Action: Review the detail text and correct the source data
//	         Patterns: "business validation error", "status=400"
//
// # Credentials (AUTH001-AUTH099)
//
//	AUTH001 - Unauthorized: The access credential was rejected after refresh
//	          Action: Re-authorize the app and update QBO_REFRESH_TOKEN
//	          Patterns: "status=401", "invalid_grant", "unauthorized"
//
//	AUTH002 - Forbidden: The app lacks permission for this entity
//	          Action: Check the app's scopes and the company's subscription
//	          Patterns: "status=403"
//
// # Throttling and Network (NET001-NET099)
//
//	NET001 - Rate limited: The destination throttled every attempt
//	         Action: Lower MIGRATION_REQUESTS_PER_SECOND and rerun
//	         Patterns: "status=429", "rate limit"
//
//	NET002 - Server error: The destination kept failing
//	         Action: Rerun later; the record will be retried
//	         Patterns: "status=5"
//
//	NET003 - Network: The destination could not be reached
//	         Action: Check connectivity and rerun
//	         Patterns: "network:", "connection refused", "connection reset", "timeout"
//
// # Dependencies (DEP001-DEP099)
//
// Skip reasons written while building payloads:
//
//	DEP001 - Unresolved dependency: A referenced record has not migrated
//	         Action: Migrate the referenced entity first, then requeue Skipped rows
//	         Patterns: "unresolved", "unmapped"
//
//	DEP002 - Inactive dependency: A referenced record migrated as inactive
//	         Action: Reactivate the target record or remap the reference
//	         Patterns: "inactive target"
//
//	DEP003 - Missing reference: The source row has no value for a required reference
//	         Action: Fill the reference in the source data
//	         Patterns: "missing "
//
// # Engine (ENG001-ENG099)
//
//	ENG001 - Run in progress: Another run of this entity is active
//	         Action: Wait for it to finish
//	         Patterns: "run already in progress"
//
//	ENG002 - Unknown entity: Entity type is not registered
//	         Action: Run "ledgerport progress" to list entity types
//	         Patterns: "entity not found"
//
//	ENG003 - Busy: Too many background runs
//	         Action: Please wait a moment and try again
//	         Patterns: "too many concurrent runs"
//
//	ENG004 - Cancelled: The run was cancelled
//	         Action: Rerun to resume where it stopped
//	         Patterns: "context canceled", "context deadline exceeded"
//
// # Storage (DB001-DB099)
//
//	DB001 - Mapping store unavailable
//	        Action: Check DATABASE_URL and database health
//	        Patterns: "database", "sql:", "deadlock"
//
// # Default Error (ERR000)
//
// Fallback when no specific pattern matches:
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Inspect the stored reason or application logs
//
// # Pattern Matching
//
// Patterns are matched case-insensitively using strings.Contains. The first
// matching pattern wins, so more specific patterns are defined before
// general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides operator-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Code for support reference
}

// errorPattern defines a pattern to match and its corresponding message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgDuplicate = UserMessage{
		Message: "A record with this name or number already exists remotely",
		Action:  "Check the natural key; requeue once the remote record is renamed or merged",
		Code:    "API001",
	}
	msgStale = UserMessage{
		Message: "The remote record changed while it was being updated",
		Action:  "Requeue the record to refetch the current version",
		Code:    "API002",
	}
	msgInvalidRef = UserMessage{
		Message: "The document points at a record the destination does not know",
		Action:  "Verify the referenced entity migrated, then requeue",
		Code:    "API003",
	}
	msgMissingField = UserMessage{
		Message: "A field the destination requires is empty",
		Action:  "Fill the field in the source row or the entity mapping",
		Code:    "API004",
	}
	msgClosedPeriod = UserMessage{
		Message: "The transaction date falls in a closed books period",
		Action:  "Reopen the period in the destination or adjust the date",
		Code:    "API005",
	}
	msgBusinessRule = UserMessage{
		Message: "The destination rejected the document",
		Action:  "Review the detail text and correct the source data",
		Code:    "API006",
	}
	msgUnauthorized = UserMessage{
		Message: "The access credential was rejected after refresh",
		Action:  "Re-authorize the app and update QBO_REFRESH_TOKEN",
		Code:    "AUTH001",
	}
	msgRateLimited = UserMessage{
		Message: "The destination throttled every attempt",
		Action:  "Lower MIGRATION_REQUESTS_PER_SECOND and rerun",
		Code:    "NET001",
	}
	msgNetwork = UserMessage{
		Message: "The destination could not be reached",
		Action:  "Check connectivity and rerun",
		Code:    "NET003",
	}
	msgUnresolved = UserMessage{
		Message: "A referenced record has not migrated",
		Action:  "Migrate the referenced entity first, then requeue Skipped rows",
		Code:    "DEP001",
	}
	msgCancelled = UserMessage{
		Message: "The run was cancelled",
		Action:  "Rerun to resume where it stopped",
		Code:    "ENG004",
	}
	msgStorage = UserMessage{
		Message: "Mapping store unavailable",
		Action:  "Check DATABASE_URL and database health",
		Code:    "DB001",
	}
)

// errorPatterns maps technical patterns (case-insensitive) to messages.
// The first match wins, so order matters:
//   - Specific fault codes come before status-level fallbacks
//   - Multiple patterns can map to the same code
//
// To add a new pattern:
//  1. Choose the category and code range
//  2. Add the pattern in the correct position (specific before general)
//  3. Update the reference at the top of this file
var errorPatterns = []errorPattern{
	// =========================================================================
	// Target API Rejections (API001-API006)
	// =========================================================================
	{pattern: "code=6240", msg: msgDuplicate},
	{pattern: "code=6140", msg: msgDuplicate},
	{pattern: "duplicate name", msg: msgDuplicate},
	{pattern: "duplicate document number", msg: msgDuplicate},
	{pattern: "code=5010", msg: msgStale},
	{pattern: "stale object", msg: msgStale},
	{pattern: "invalid reference id", msg: msgInvalidRef},
	{pattern: "object not found", msg: msgInvalidRef},
	{pattern: "required param missing", msg: msgMissingField},
	{pattern: "required parameter", msg: msgMissingField},
	{pattern: "closed period", msg: msgClosedPeriod},
	{pattern: "account period closed", msg: msgClosedPeriod},

	// =========================================================================
	// Credentials (AUTH001-AUTH002)
	// =========================================================================
	{pattern: "status=401", msg: msgUnauthorized},
	{pattern: "invalid_grant", msg: msgUnauthorized},
	{pattern: "unauthorized", msg: msgUnauthorized},
	{
		pattern: "status=403",
		msg: UserMessage{
			Message: "The app lacks permission for this entity",
			Action:  "Check the app's scopes and the company's subscription",
			Code:    "AUTH002",
		},
	},

	// =========================================================================
	// Throttling and Network (NET001-NET003)
	// =========================================================================
	{pattern: "status=429", msg: msgRateLimited},
	{pattern: "rate limit", msg: msgRateLimited},
	{
		pattern: "status=5",
		msg: UserMessage{
			Message: "The destination kept failing",
			Action:  "Rerun later; the record will be retried",
			Code:    "NET002",
		},
	},
	{pattern: "network:", msg: msgNetwork},
	{pattern: "connection refused", msg: msgNetwork},
	{pattern: "connection reset", msg: msgNetwork},

	// =========================================================================
	// Engine (ENG001-ENG004)
	// Checked before the generic status and dependency patterns so wrapped
	// engine errors are not misread.
	// =========================================================================
	{
		pattern: "run already in progress",
		msg: UserMessage{
			Message: "Another run of this entity is active",
			Action:  "Wait for it to finish",
			Code:    "ENG001",
		},
	},
	{
		pattern: "entity not found",
		msg: UserMessage{
			Message: "Entity type is not registered",
			Action:  `Run "ledgerport progress" to list entity types`,
			Code:    "ENG002",
		},
	},
	{
		pattern: "too many concurrent runs",
		msg: UserMessage{
			Message: "Too many background runs",
			Action:  "Please wait a moment and try again",
			Code:    "ENG003",
		},
	},
	{pattern: "context canceled", msg: msgCancelled},
	{pattern: "context deadline exceeded", msg: msgCancelled},
	{pattern: "timeout", msg: msgNetwork},

	// Any other rejection by the destination.
	{pattern: "business validation error", msg: msgBusinessRule},
	{pattern: "status=4", msg: msgBusinessRule},

	// =========================================================================
	// Dependencies (DEP001-DEP003)
	// =========================================================================
	{
		pattern: "inactive target",
		msg: UserMessage{
			Message: "A referenced record migrated as inactive",
			Action:  "Reactivate the target record or remap the reference",
			Code:    "DEP002",
		},
	},
	{pattern: "unresolved", msg: msgUnresolved},
	{pattern: "unmapped", msg: msgUnresolved},
	{
		pattern: "missing ",
		msg: UserMessage{
			Message: "The source row has no value for a required reference",
			Action:  "Fill the reference in the source data",
			Code:    "DEP003",
		},
	},

	// =========================================================================
	// Storage
	// =========================================================================
	{pattern: "deadlock", msg: msgStorage},
	{pattern: "sql:", msg: msgStorage},
	{pattern: "database", msg: msgStorage},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Inspect the stored reason or application logs",
	Code:    "ERR000",
}

// MapFailure converts a stored FailureReason to operator guidance.
// An empty reason yields an empty message.
//
// Example:
//
//	msg := MapFailure("status=400 | code=6240 | msg=Duplicate Name Exists Error | detail=...")
//	// msg.Code == "API001"
func MapFailure(reason string) UserMessage {
	if strings.TrimSpace(reason) == "" {
		return UserMessage{}
	}

	lower := strings.ToLower(reason)
	for _, ep := range errorPatterns {
		if strings.Contains(lower, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// MapError converts a technical error to an operator-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	return MapFailure(err.Error())
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError wraps a technical error with an operator-friendly message.
type UserError struct {
	Technical error       // Original error for logging
	User      UserMessage // Message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
