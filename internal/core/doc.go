// Package core orchestrates spatial data imports.
//
// An import is an [ExecutionRequest] driven through the ordered task list of
// one [FileHandler]. The package owns admission, step sequencing, completion
// and rollback; the formats themselves live in the handler package.
//
// # Admission
//
// [Service.Upload] and [Service.Copy] run synchronously in the request:
//
//  1. Archives are expanded and the [Registry] resolves exactly one handler.
//  2. Targeted resources (append, replace, upsert, metadata, style) must exist.
//  3. The [ParallelismLimiter] rejects users with too many running executions.
//  4. The handler's IsValid rejects malformed input.
//  5. Files are stored, the execution is created and its first step enqueued.
//
// Nothing is persisted when one of the first four fails.
//
// # Steps
//
// Workers call [Service.RunStep] for each queued task. The step is recorded
// on the execution before it runs; on success [Service.PerformNextStep]
// enqueues the next step or finishes the execution. A step error marks the
// execution failed and runs the handler's rollback hooks for every step up
// to the recorded one, each hook at most once.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]:
//
//   - IMP001-IMP099: validation errors, one code per handler family
//   - UPL001-UPL099: admission errors (parallelism, handler resolution)
//   - EXE001-EXE099: execution errors (missing records, constraints, loaders)
//   - CAT001-CAT099: GeoServer catalog errors
package core
