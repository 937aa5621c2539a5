package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorClass is the posting engine's classification of one API outcome.
type ErrorClass string

const (
	ClassSuccess              ErrorClass = "success"
	ClassTransientNetwork     ErrorClass = "transient_network"
	ClassRateLimited          ErrorClass = "rate_limited"
	ClassCredentialExpired    ErrorClass = "credential_expired"
	ClassConflictDuplicate    ErrorClass = "conflict_duplicate"
	ClassConflictStale        ErrorClass = "conflict_stale_version"
	ClassValidation           ErrorClass = "validation"
	ClassUnresolvedDependency ErrorClass = "unresolved_dependency"
)

// Retryable reports whether the class is retried with backoff.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransientNetwork || c == ClassRateLimited
}

// Fault error codes returned by the target API.
const (
	faultDuplicateName     = "6240"
	faultDuplicateDocument = "6140"
	faultStaleObject       = "5010"
)

// Fault is the first error of the API's fault document.
type Fault struct {
	Type    string
	Code    string
	Message string
	Detail  string
}

// String formats the fault as stored in FailureReason.
func (f *Fault) String() string {
	return fmt.Sprintf("code=%s | msg=%s | detail=%s", f.Code, f.Message, f.Detail)
}

var existingIDPattern = regexp.MustCompile(`Id=(\d+)`)

// ExistingID returns the record id a duplicate-name fault names in its
// detail, or "" when it names none.
func (f *Fault) ExistingID() string {
	if f == nil {
		return ""
	}
	if m := existingIDPattern.FindStringSubmatch(f.Detail); m != nil {
		return m[1]
	}
	return ""
}

type faultEnvelope struct {
	Fault *struct {
		Type  string `json:"type"`
		Error []struct {
			Code    string `json:"code"`
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
		} `json:"Error"`
	} `json:"Fault"`
}

// ParseFault extracts the first fault error from a response body.
// Returns nil when the body carries none.
func ParseFault(body []byte) *Fault {
	var env faultEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Fault == nil {
		return nil
	}
	f := &Fault{Type: env.Fault.Type}
	if len(env.Fault.Error) > 0 {
		e := env.Fault.Error[0]
		f.Code, f.Message, f.Detail = e.Code, e.Message, e.Detail
	}
	return f
}

// Classification is the result of Classify.
type Classification struct {
	Class      ErrorClass
	StatusCode int
	Fault      *Fault
	Reason     string
	RetryAfter time.Duration
}

// Classify maps one API outcome onto the error taxonomy.
// A non-nil err is a network-level failure and is always transient.
func Classify(resp *APIResponse, err error) Classification {
	if err != nil {
		return Classification{
			Class:  ClassTransientNetwork,
			Reason: truncate("network: "+err.Error(), MaxFailureReasonLen),
		}
	}
	if resp == nil {
		return Classification{Class: ClassTransientNetwork, Reason: "network: empty response"}
	}

	c := Classification{StatusCode: resp.StatusCode, Fault: ParseFault(resp.Body)}
	c.Reason = failureReason(resp.StatusCode, c.Fault, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.Class = ClassSuccess
		c.Reason = ""
	case resp.StatusCode == http.StatusUnauthorized:
		c.Class = ClassCredentialExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		c.Class = ClassRateLimited
		c.RetryAfter = retryAfter(resp.Header)
	case resp.StatusCode >= 500:
		c.Class = ClassTransientNetwork
		c.RetryAfter = retryAfter(resp.Header)
	case isStale(c.Fault):
		c.Class = ClassConflictStale
	case isDuplicate(c.Fault) || (resp.StatusCode == http.StatusConflict && c.Fault == nil):
		c.Class = ClassConflictDuplicate
	default:
		c.Class = ClassValidation
	}
	return c
}

func isDuplicate(f *Fault) bool {
	if f == nil {
		return false
	}
	if f.Code == faultDuplicateName || f.Code == faultDuplicateDocument {
		return true
	}
	text := strings.ToLower(f.Message + " " + f.Detail)
	return strings.Contains(text, "duplicate name") || strings.Contains(text, "duplicate document number")
}

func isStale(f *Fault) bool {
	if f == nil {
		return false
	}
	if f.Code == faultStaleObject {
		return true
	}
	return strings.Contains(strings.ToLower(f.Message+" "+f.Detail), "stale object")
}

// failureReason builds the stored reason for a non-2xx response.
func failureReason(status int, f *Fault, body []byte) string {
	var reason string
	if f != nil {
		reason = fmt.Sprintf("status=%d | %s", status, f)
	} else {
		reason = fmt.Sprintf("status=%d | body=%s", status, strings.TrimSpace(string(body)))
	}
	return truncate(reason, MaxFailureReasonLen)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// TargetIDFromResponse extracts data[entity].Id from a create/update response.
func TargetIDFromResponse(body []byte, entity string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	raw, ok := doc[entity]
	if !ok {
		for k, v := range doc {
			if strings.EqualFold(k, entity) {
				raw, ok = v, true
				break
			}
		}
	}
	if !ok {
		return ""
	}
	var inner struct {
		ID json.RawMessage `json:"Id"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil || len(inner.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(inner.ID, &s); err == nil {
		return s
	}
	return strings.Trim(string(inner.ID), `"`)
}
