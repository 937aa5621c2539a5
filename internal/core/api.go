package core

import "context"

// TargetAPI is the destination system's REST surface used by the poster.
// Implementations return transport failures as errors and every HTTP
// response, including non-2xx, as an APIResponse.
type TargetAPI interface {
	// Send creates or sparse-updates one record of entity.
	Send(ctx context.Context, cred Credential, entity string, payload []byte) (*APIResponse, error)

	// FindByName looks up an existing record whose field equals value with a
	// single exact query.
	FindByName(ctx context.Context, cred Credential, entity, field, value string) (id string, found bool, err error)

	// ScanNames compares one page of records, starting at start (1-based),
	// against value after name normalization. next is 0 once no pages remain.
	// Every call is one request, so callers gate each page separately.
	ScanNames(ctx context.Context, cred Credential, entity, field, value string, start int) (id string, found bool, next int, err error)

	// ReadVersion returns the current SyncToken of a record.
	ReadVersion(ctx context.Context, cred Credential, entity, id string) (string, error)
}
