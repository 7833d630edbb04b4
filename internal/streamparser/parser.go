// Package streamparser converts the agent CLI's line-delimited JSON output
// into typed stream events.
//
// The parser is lenient: unknown keys are ignored, malformed JSON becomes an
// error event, and anything it cannot classify passes through as a raw event
// so no output is ever silently lost.
package streamparser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"agentengine/internal/model"
)

const (
	// previewLimit caps tool-input and tool-result previews.
	previewLimit = 300
	// rawLimit caps passthrough of unrecognized lines.
	rawLimit = 200
	// errLimit caps error message excerpts.
	errLimit = 500
)

// rawFrame mirrors the union of every top-level shape the agent emits. Only
// the keys the parser cares about are declared; the rest are dropped by
// encoding/json.
type rawFrame struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`
	Error   json.RawMessage `json:"error"`

	// result frame
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
}

// contentBlock is one element of an assistant/user message's content array.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"` // tool_result payload
}

type messageBody struct {
	Content []contentBlock `json:"content"`
}

// Parser converts one JSONL line at a time into zero or more events.
type Parser struct {
	clock model.Clock
}

// New returns a Parser stamping events with clock (SystemClock when nil).
func New(clock model.Clock) *Parser {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Parser{clock: clock}
}

// ParseLine classifies a single line. An empty line yields no events.
func (p *Parser) ParseLine(line []byte) []model.StreamEvent {
	trimmed := trimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	now := p.clock.Now()

	var frame rawFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return []model.StreamEvent{{
			Kind:      model.StreamError,
			Timestamp: now,
			Message:   truncate("malformed stream line: "+string(trimmed), errLimit),
		}}
	}

	switch frame.Type {
	case "assistant":
		return p.parseAssistant(frame, now)
	case "user":
		return p.parseToolResults(frame, now)
	case "result":
		return []model.StreamEvent{{
			Kind:       model.StreamResult,
			Timestamp:  now,
			Turns:      frame.NumTurns,
			CostUSD:    frame.CostUSD,
			DurationMS: frame.DurationMS,
		}}
	case "error":
		return []model.StreamEvent{{
			Kind:      model.StreamError,
			Timestamp: now,
			Message:   truncate(rawToString(frame.Error, "unknown error"), errLimit),
		}}
	case "system":
		return []model.StreamEvent{{
			Kind:      model.StreamSystem,
			Timestamp: now,
			Text:      truncate(rawToString(frame.Message, ""), previewLimit),
		}}
	default:
		return []model.StreamEvent{{
			Kind:      model.StreamRaw,
			Timestamp: now,
			Text:      truncate(string(trimmed), rawLimit),
		}}
	}
}

// parseAssistant splits an assistant turn into a text event (if any text
// blocks are present) plus one tool-use event per tool_use block.
func (p *Parser) parseAssistant(frame rawFrame, now time.Time) []model.StreamEvent {
	// The message may be a bare string instead of a content-block object.
	var asString string
	if err := json.Unmarshal(frame.Message, &asString); err == nil {
		return []model.StreamEvent{{Kind: model.StreamAssistant, Timestamp: now, Text: asString}}
	}

	var body messageBody
	if err := json.Unmarshal(frame.Message, &body); err != nil {
		return []model.StreamEvent{{
			Kind:      model.StreamRaw,
			Timestamp: now,
			Text:      truncate(string(frame.Message), rawLimit),
		}}
	}

	var events []model.StreamEvent
	var text string
	for _, block := range body.Content {
		switch block.Type {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += block.Text
		case "tool_use":
			name := block.Name
			if name == "" {
				name = "unknown"
			}
			input := string(block.Input)
			events = append(events, model.StreamEvent{
				Kind:         model.StreamToolUse,
				Timestamp:    now,
				ToolName:     name,
				InputPreview: truncate(input, previewLimit),
				InputRaw:     input,
			})
		}
	}
	if text != "" {
		events = append([]model.StreamEvent{{
			Kind:      model.StreamAssistant,
			Timestamp: now,
			Text:      text,
		}}, events...)
	}
	return events
}

// parseToolResults extracts tool_result blocks from a user turn.
func (p *Parser) parseToolResults(frame rawFrame, now time.Time) []model.StreamEvent {
	var body messageBody
	if err := json.Unmarshal(frame.Message, &body); err != nil {
		return nil
	}
	var events []model.StreamEvent
	for _, block := range body.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, model.StreamEvent{
			Kind:          model.StreamToolResult,
			Timestamp:     now,
			ResultPreview: truncate(rawToString(block.Content, ""), previewLimit),
		})
	}
	return events
}

// Stream reads r line by line until EOF or a read error, invoking emit for
// every event. Partial trailing lines are buffered until their newline
// arrives; a final unterminated line is parsed at EOF.
func (p *Parser) Stream(r io.Reader, emit func(model.StreamEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		for _, ev := range p.ParseLine(scanner.Bytes()) {
			emit(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

// rawToString renders a raw JSON value as display text: strings are
// unquoted, everything else keeps its JSON form.
func rawToString(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r' || b[start] == '\n') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r' || b[end-1] == '\n') {
		end--
	}
	return b[start:end]
}
