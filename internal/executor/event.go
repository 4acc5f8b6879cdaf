package executor

// EventType tags a decoded stream event.
type EventType string

const (
	EventSystem    EventType = "system"
	EventUser      EventType = "user"
	EventAssistant EventType = "assistant"
	EventResult    EventType = "result"
)

// ContentType tags a message content part.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// StreamEvent is one line of the agent's stream-json output.
type StreamEvent struct {
	Type      EventType
	Subtype   string
	SessionID string

	// Content is set for user and assistant events.
	Content []ContentPart

	// Result is set for result events.
	Result *ResultPayload
}

// ContentPart is one element of a message's content array.
type ContentPart struct {
	Type ContentType

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input map[string]any

	// tool_result
	ToolUseID string
	Output    string
}

// ResultPayload is the body of the terminal result event.
type ResultPayload struct {
	Subtype      string
	IsError      bool
	Result       string
	TotalCostUSD float64
	DurationMS   int64
	NumTurns     int
	Usage        Usage
}

// Usage is token accounting reported by the agent.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}
