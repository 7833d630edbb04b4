package model

import "time"

// StreamEvent is the sum type produced by the Stream Parser from the
// agent's line-delimited JSON output. Exactly one of the typed fields below
// is populated per Kind; callers switch on Kind.
type StreamEvent struct {
	Kind      StreamEventKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`

	Text          string  `json:"text,omitempty"`           // Assistant / System / Raw
	ToolName      string  `json:"tool_name,omitempty"`      // ToolUse
	InputPreview  string  `json:"input_preview,omitempty"`  // ToolUse, truncated
	InputRaw      string  `json:"input_raw,omitempty"`      // ToolUse, untruncated
	ResultPreview string  `json:"result_preview,omitempty"` // ToolResult, truncated
	Message       string  `json:"message,omitempty"`        // Error
	Turns         int     `json:"turns,omitempty"`          // Result
	CostUSD       float64 `json:"cost_usd,omitempty"`       // Result
	DurationMS    int64   `json:"duration_ms,omitempty"`    // Result
}

// StreamEventKind discriminates the shape the Stream Parser recognized.
type StreamEventKind string

const (
	StreamAssistant  StreamEventKind = "assistant"
	StreamToolUse    StreamEventKind = "tool_use"
	StreamToolResult StreamEventKind = "tool_result"
	StreamError      StreamEventKind = "error"
	StreamResult     StreamEventKind = "result"
	StreamSystem     StreamEventKind = "system"
	StreamRaw        StreamEventKind = "raw"
)
