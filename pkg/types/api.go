package types

import "time"

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Models found in the models directory.
	Models []Model `json:"models"`
}

// SelectRequest is the body of POST /models/select.
type SelectRequest struct {
	// File name of the model to activate.
	// example: tinyllama.Q4_K_M.gguf
	Model string `json:"model" example:"tinyllama.Q4_K_M.gguf"`
}

// AnalyzeRequest submits one analysis prompt per item (POST /analyze).
type AnalyzeRequest struct {
	// Items to analyse; one inference request each.
	// example: ["first document","second document"]
	Items []string `json:"items" example:"first document,second document"`
	// Optional shared instruction; the default analysis instruction is used when empty.
	// example: Classify each document as relevant or not.
	Prompt string `json:"prompt,omitempty" example:"Classify each document as relevant or not."`
	// Log prompts and raw responses to the debug log.
	// example: false
	Debug bool `json:"debug,omitempty" example:"false"`
	// Opaque context echoed back on result events.
	Context map[string]any `json:"context,omitempty"`
}

// BatchRequest enqueues a shared-prompt job (POST /batch).
type BatchRequest struct {
	// Job kind: filter or analysis.
	// example: filter
	Kind string `json:"kind" example:"filter"`
	// Items processed with the shared prompt.
	Items []string `json:"items"`
	// Shared instruction.
	// example: Does this item mention a price increase?
	Prompt string `json:"prompt,omitempty" example:"Does this item mention a price increase?"`
	// Log prompts and raw responses to the debug log.
	Debug bool `json:"debug,omitempty"`
	// Opaque context echoed back on result events.
	Context map[string]any `json:"context,omitempty"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	// Conversation so far, oldest first.
	Messages []ChatMessage `json:"messages"`
}

// ChatResponse carries the assistant reply for a chat job.
type ChatResponse struct {
	// Job that produced the reply.
	// example: 0b7f6f0e-3f5c-4a9e-9d0a-2c7e8f1b6a11
	JobID string `json:"job_id" example:"0b7f6f0e-3f5c-4a9e-9d0a-2c7e8f1b6a11"`
	// Assistant reply text.
	// example: The three findings point to a memory leak.
	Reply string `json:"reply" example:"The three findings point to a memory leak."`
}

// JobResponse is returned when a job was accepted.
type JobResponse struct {
	// Identifier echoed on every event of the job.
	// example: 0b7f6f0e-3f5c-4a9e-9d0a-2c7e8f1b6a11
	JobID string `json:"job_id" example:"0b7f6f0e-3f5c-4a9e-9d0a-2c7e8f1b6a11"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Server lifecycle state: not_running, starting, ready, crashed or shutting_down.
	// example: ready
	State string `json:"state" example:"ready"`
	// Launch generation of the current server process.
	// example: 3
	Generation uint64 `json:"generation" example:"3"`
	// Model the server was launched with.
	// example: tinyllama.Q4_K_M.gguf
	Model string `json:"model,omitempty" example:"tinyllama.Q4_K_M.gguf"`
	// Acceleration backend of the running server.
	// example: cuda
	Backend string `json:"backend,omitempty" example:"cuda"`
	// Process ID of the server.
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// TCP port of the server.
	// example: 8080
	Port int `json:"port" example:"8080"`
	// True once the server reported its model loaded.
	ModelLoaded bool `json:"model_loaded"`
	// When the current process was started.
	StartedAt time.Time `json:"started_at,omitempty"`
	// Model selected for the next launch.
	// example: tinyllama.Q4_K_M.gguf
	SelectedModel string `json:"selected_model,omitempty" example:"tinyllama.Q4_K_M.gguf"`
	// True when a model is selected and its file exists.
	HasModel bool `json:"has_model"`
	// True while a job is in flight.
	Busy bool `json:"busy"`
	// Job in flight, if any.
	ActiveJob string `json:"active_job,omitempty"`
	// Kind of the job in flight.
	// example: analysis
	ActiveKind string `json:"active_kind,omitempty" example:"analysis"`
	// Jobs waiting behind the active one.
	// example: 2
	QueuedJobs int `json:"queued_jobs" example:"2"`
	// Model switch deferred until the queue drains.
	PendingModel string `json:"pending_model,omitempty"`
	// Resource snapshot.
	Resources Resources `json:"resources"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
