// Package manager is the prediction dispatcher. It ties the model registry,
// the loading lane and the worker pools together and exposes the operations
// the transport layer needs. It is structured into small files by concern:
//
//   - manager.go: core Manager type, readiness, startup loading, shutdown.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: per-request state machine (RequestState, Transition).
//   - call.go: Call, the asynchronous handle returned by Predict.
//   - predict.go: Predict/Invoke and the dispatch path from name to pool task.
//   - errors.go: error kinds and helpers (IsModelNotFound, IsTooBusy, ...).
//   - register.go: explicit Register/Unregister and config reconciliation.
//   - status_report.go: Status and health aggregation.
//   - events.go, eventpub_memory.go: lifecycle events.
//   - metrics.go: prometheus counters and the pool/registry collector.
//
// Predict never blocks the caller. A request moves through
//
//	received -> model_resolving -> queued -> running -> completed | failed
//
// and ends in exactly one terminal state. The predictor obtained for a request
// is closed on every path, including panics inside the runtime.
package manager
