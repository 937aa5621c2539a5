// Package core provides the migration engine for moving accounting records
// into the destination API.
//
// This package holds all domain logic independent of storage, transport or
// UI. Storage backends implement [MappingStore] and [SourceReader]; the
// destination implements [TargetAPI]. The CLI, the HTTP status API and
// tests drive the same [Service].
//
// # Architecture
//
//   - Entity Definitions: Registered via the registry, each entity names its
//     source tables, references, document number column and builder.
//   - Mapping Store: One table per entity tracks every source record's
//     status, target id, payload and retry count.
//   - Poster: Sends payloads through the shared [RateGate] and
//     [CredentialCoordinator], classifies outcomes and persists them.
//   - Service: Runs the phases for an entity and reports the result.
//
// # Entity Registry
//
// Entities are registered at init time using [Register]:
//
//	core.Register(core.EntityDefinition{
//	    Name:        "Customer",
//	    Order:       20,
//	    SourceTable: "customer",
//	    NaturalKey:  &core.NaturalKey{Field: "DisplayName"},
//	    Build:       buildCustomer,
//	})
//
// # Run Phases
//
// [Service.Run] executes, strictly in order:
//
//  1. ensureMappingTable: insert rows for new source records as Ready
//  2. resolveReferences: bulk-load dependency targets, store mapped_* columns
//  3. resolveDuplicateKeys: assign collision-free document numbers
//  4. generatePayloads: build and store one document per Ready row
//  5. postAll: post Ready and Failed rows across a bounded worker pool
//
// When the mapping table matches the source and every row has a payload,
// phases 2-4 are skipped. Success and Exists rows are never posted again.
//
// # Error Handling
//
// Business failures are values: [Result] from the poster and [BuildResult]
// from builders. Errors are returned only for storage, credential and
// cancellation failures. Stored reasons map to operator guidance with
// [MapFailure]:
//
//   - API001-API006: Destination rejections (duplicates, stale versions, validation)
//   - AUTH001-AUTH002: Credential failures
//   - NET001-NET003: Throttling and network
//   - DEP001-DEP003: Unresolved dependencies
package core
