package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Observation kinds as reported by the trace source. Anything else
// (SPAN, EVENT) is carried through untouched but ignored by analysis.
const (
	KindTool       = "TOOL"
	KindGeneration = "GENERATION"
)

const (
	LevelDebug   = "DEBUG"
	LevelDefault = "DEFAULT"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

type Session struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"userId,omitempty"` // caller phone when the runtime provides it
	CreatedAt            time.Time `json:"createdAt"`
	Traces               []Trace   `json:"traces"`
	HadTransfer          bool      `json:"hadTransfer"`
	HadSuccessfulBooking bool      `json:"hadSuccessfulBooking"`
}

type Trace struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	Name         string          `json:"name"`
	StartTime    time.Time       `json:"timestamp"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Observations []Observation   `json:"observations"`
}

type Observation struct {
	ID            string          `json:"id"`
	TraceID       string          `json:"traceId"`
	Name          string          `json:"name"`
	Kind          string          `json:"type"`
	Level         string          `json:"level"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
}

// InputText returns the observation input as plain text: JSON strings are
// unquoted, everything else is returned as raw JSON.
func (o Observation) InputText() string { return rawText(o.Input) }

func (o Observation) OutputText() string { return rawText(o.Output) }

func rawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

type ConversationTurn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
	ToolStatusPartial = "partial"
)

// Tool actions observed across integration backends. Booking actions are
// the only ones that can corroborate a booked result.
const (
	ActionBook      = "book"
	ActionBookChild = "book_child"
	ActionLookup    = "lookup"
	ActionTransfer  = "transfer"
	ActionInfo      = "info"
)

func IsBookingAction(action string) bool {
	return action == ActionBook || action == ActionBookChild
}

// ToolCall is the normalized form of a TOOL observation. Input and Output
// hold map[string]any when the raw JSON parsed, or the raw string when it
// did not.
type ToolCall struct {
	Name       string    `json:"name"`
	Action     string    `json:"action"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"durationMs"`
	TraceID    string    `json:"traceId"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	RecordKindGUID    = "guid"
	RecordKindInteger = "integer"
	RecordKindUnknown = "unknown"
)

// RecordID is a backend record identifier. The wrapped booking backend uses
// UUIDs, the flat pass-through backend uses integers; the tag keeps the two
// families apart without branching on backend identity.
type RecordID struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func (r RecordID) IsZero() bool { return r.Value == "" }

func (r RecordID) String() string { return r.Value }

// ClassifyRecordID tags a raw identifier value by shape. Values scraped
// from model output do not always look like either backend's identifiers;
// those are tagged unknown rather than guessed at.
func ClassifyRecordID(value string) RecordID {
	value = strings.TrimSpace(value)
	if _, err := uuid.Parse(value); err == nil {
		return RecordID{Kind: RecordKindGUID, Value: value}
	}
	if value != "" && isDigits(value) {
		return RecordID{Kind: RecordKindInteger, Value: value}
	}
	return RecordID{Kind: RecordKindUnknown, Value: value}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type AppointmentSlot struct {
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
}
