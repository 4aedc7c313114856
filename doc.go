// Package saga runs multi-step business transactions that either complete
// every step or undo the steps that completed.
//
// A saga is an ordered list of steps executed against a payload owned by the
// saga instance. When a step fails, the steps that already succeeded are
// compensated in reverse order. Compensation is best-effort: a failing
// compensation is logged and the remaining ones still run.
//
// Overview
//
//  1. Define steps:
//     - Implement Step, or use NewStep with an execute function and an
//     optional compensate function.
//     - A step returns a StepResult; its CompensationData is the only input
//     its compensation receives, so it must be self-sufficient.
//  2. Run a single saga:
//     - New builds an instance, Execute runs it and always returns a Result.
//     - A failed saga can be retried with Resume, which restarts at the step
//     that failed and keeps earlier results.
//  3. Or let an Orchestrator own the instances:
//     - Describe the saga type with a Definition.
//     - Start, Resume, Status, ActiveSagas, Cancel, Abort and
//     CleanupCompletedSagas manage the in-memory registry.
//
// Saga state lives in process memory. A Store receives JSON snapshots after
// every transition for inspection, but sagas are never rehydrated from it.
//
// Steps that mutate aggregates use the uow package to commit changes and
// publish domain events only after the commit succeeded.
package saga
