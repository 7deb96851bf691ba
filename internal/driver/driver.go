// Package driver abstracts the research backend that produces stage
// content. The engine never interprets what a driver returns beyond
// writing it to the artifact tree; gates judge the output afterwards.
package driver

import (
	"context"
)

// Task is one unit of content generation dispatched by a stage handler.
type Task struct {
	RunID       string `json:"run_id"`
	Stage       string `json:"stage"`
	Perspective string `json:"perspective,omitempty"`
	Prompt      string `json:"prompt"`
}

// Result is the driver's produced content for a task.
type Result struct {
	Content []byte `json:"content"`
}

// Driver produces content for pipeline tasks. Implementations must be
// safe for concurrent use; wave stages fan tasks out in parallel.
type Driver interface {
	SubmitTask(ctx context.Context, task Task) (Result, error)
}
