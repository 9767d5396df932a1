package types

// Model describes a registered model as exposed by the management API.
type Model struct {
	// Unique model name used for routing predictions.
	// example: resnet
	Name string `json:"name" example:"resnet"`
	// Location the model was loaded from.
	// example: file:///models/resnet.gguf
	URL string `json:"url" example:"file:///models/resnet.gguf"`
	// Lifecycle state: loading, ready or failed.
	// example: ready
	State string `json:"state" example:"ready"`
	// Warm executors kept by the dedicated pool (0 when served by the default pool).
	// example: 1
	MinWorkers int `json:"min_workers" example:"1"`
	// Concurrency ceiling of the dedicated pool (0 when served by the default pool).
	// example: 4
	MaxWorkers int `json:"max_workers" example:"4"`
	// Idle timeout of the dedicated pool in milliseconds.
	// example: 30000
	MaxBatchDelayMS int64 `json:"max_batch_delay_ms" example:"30000"`
	// Number of predictions currently holding a reference to this model.
	// example: 2
	Inflight int `json:"inflight" example:"2"`
	// Pool serving this model: "dedicated" or "default".
	// example: dedicated
	Pool string `json:"pool" example:"dedicated"`
	// Unix seconds when the model became ready (0 if never).
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix,omitempty" example:"1700000000"`
	// Unix seconds of the last prediction that acquired the model.
	// example: 1700000360
	LastUsed int64 `json:"last_used_unix,omitempty" example:"1700000360"`
	// Last load error, set only in the failed state.
	Error string `json:"error,omitempty"`
}
