package types

// Category represents service categories
type Category string

const (
	CategoryKernel  Category = "kernel"
	CategoryScripts Category = "scripts"
	CategoryShell   Category = "shell"
	CategoryMemory  Category = "memory"
)

// Service represents a service definition
type Service struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     Category `json:"category"`
	Capabilities []string `json:"capabilities"`
	Tools        []Tool   `json:"tools"`
}

// Tool represents a service tool
type Tool struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Returns     string      `json:"returns"`
}

// Parameter represents a tool parameter
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Result represents a service execution result
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   *string        `json:"error,omitempty"`
}

// Ok builds a successful result.
func Ok(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// Failure builds a failed result with a message.
func Failure(msg string) *Result {
	return &Result{Success: false, Error: &msg}
}
