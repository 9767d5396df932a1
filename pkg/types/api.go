package types

// RegisterRequest is the payload accepted by POST /models.
type RegisterRequest struct {
	// Unique model name.
	// example: bert
	Name string `json:"name" example:"bert"`
	// Model location; must match the configured allow-list pattern.
	// example: file:///models/bert.gguf
	URL string `json:"url" example:"file:///models/bert.gguf"`
	// Warm executors for a dedicated pool. Ignored when MaxWorkers is 0.
	// example: 1
	MinWorkers int `json:"min_workers,omitempty" example:"1"`
	// Concurrency ceiling for a dedicated pool; 0 routes the model to the default pool.
	// example: 2
	MaxWorkers int `json:"max_workers,omitempty" example:"2"`
	// Idle timeout for dedicated pool executors above MinWorkers, in milliseconds.
	// example: 30000
	MaxBatchDelayMS int64 `json:"max_batch_delay_ms,omitempty" example:"30000"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Registered models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: resnet
	Error string `json:"error" example:"model not found: resnet"`
	// Machine-checkable error kind.
	// example: model_not_found
	Kind string `json:"kind,omitempty" example:"model_not_found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// PoolStatus summarizes one worker pool.
type PoolStatus struct {
	// Model name for dedicated pools, "default" for the shared pool.
	// example: bert
	Name string `json:"name" example:"bert"`
	// Warm executor count.
	// example: 1
	MinWorkers int `json:"min_workers" example:"1"`
	// Concurrency ceiling.
	// example: 4
	MaxWorkers int `json:"max_workers" example:"4"`
	// Live executors.
	// example: 2
	Workers int `json:"workers" example:"2"`
	// Executors currently running a prediction.
	// example: 1
	Busy int `json:"busy" example:"1"`
	// Executors waiting for work.
	// example: 1
	Idle int `json:"idle" example:"1"`
	// Tasks finished since the pool was created.
	// example: 120
	Completed uint64 `json:"completed" example:"120"`
	// Submissions rejected because no executor was free.
	// example: 3
	Rejected uint64 `json:"rejected" example:"3"`
}

// StatusResponse is returned by GET /ping and GET /status.
type StatusResponse struct {
	// Aggregate health: healthy, partial or unhealthy.
	// example: healthy
	Status string `json:"status" example:"healthy"`
	// Models by lifecycle state.
	// example: 2
	ReadyModels int `json:"ready_models" example:"2"`
	// example: 0
	LoadingModels int `json:"loading_models" example:"0"`
	// example: 0
	FailedModels int `json:"failed_models" example:"0"`
	// Worker totals across all pools.
	// example: 1
	BusyWorkers int `json:"busy_workers" example:"1"`
	// example: 3
	IdleWorkers int `json:"idle_workers" example:"3"`
	// Per-model detail.
	Models []Model `json:"models"`
	// Per-pool detail; the default pool is listed first.
	Pools []PoolStatus `json:"pools"`
	// Predictions currently in flight.
	// example: 1
	Inflight int64 `json:"inflight" example:"1"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
