package shirabe

import (
	"github.com/ashita-ai/shirabe/internal/driver"
)

// Driver produces stage content for research runs. Implement this to plug
// a custom research backend into the engine; the built-in implementations
// are the deterministic fixture and the live HTTP client.
type Driver = driver.Driver

// Task is one unit of content generation dispatched to a Driver.
type Task = driver.Task

// TaskResult is the content a Driver produced for a Task.
type TaskResult = driver.Result
