package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Task status constants the server inspects. Any other value is treated
// as an open task.
const (
	StatusCompleted = "completed"
)

// Task is a single entry in a user's collection. The server only
// understands the handful of fields exposed here; everything else the
// client sends is carried through untouched in raw.
type Task struct {
	// ID is the client-assigned identifier, unique within a collection.
	ID string

	// Title, Date and Start only feed reminder text.
	Title string
	Date  string
	Start string

	// Status excludes the task from reminders when it is StatusCompleted.
	Status string

	// Deleted is true when the client set a deletedAt tombstone.
	Deleted bool

	// RemindAt is the reminder instant in epoch milliseconds.
	RemindAt *int64

	// NotifiedAt is written by the server once a reminder has fired.
	NotifiedAt *int64

	raw map[string]json.RawMessage
}

// Wire keys for the inspected fields.
const (
	keyID         = "id"
	keyTitle      = "title"
	keyDate       = "date"
	keyStart      = "start"
	keyStatus     = "status"
	keyDeletedAt  = "deletedAt"
	keyRemindAt   = "remindAt"
	keyNotifiedAt = "notifiedAt"
)

// UnmarshalJSON keeps the full client object and extracts the inspected
// fields from it. Inspected fields with an unexpected type are ignored
// rather than rejected.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding task: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("decoding task: not an object")
	}

	*t = Task{raw: raw}
	t.ID = rawText(raw[keyID])
	t.Title = rawString(raw[keyTitle])
	t.Date = rawString(raw[keyDate])
	t.Start = rawString(raw[keyStart])
	t.Status = rawString(raw[keyStatus])
	t.Deleted = isSet(raw[keyDeletedAt])
	t.RemindAt = rawMillis(raw[keyRemindAt])
	t.NotifiedAt = rawMillis(raw[keyNotifiedAt])
	return nil
}

// MarshalJSON writes the original client object back, with notifiedAt
// replaced when the server has set it. Tasks built in Go without a raw
// payload get their inspected fields emitted directly.
func (t Task) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(t.raw)+8)
	for k, v := range t.raw {
		out[k] = v
	}

	setIfMissing(out, keyID, t.ID)
	setIfMissing(out, keyTitle, t.Title)
	setIfMissing(out, keyDate, t.Date)
	setIfMissing(out, keyStart, t.Start)
	setIfMissing(out, keyStatus, t.Status)
	if _, ok := out[keyRemindAt]; !ok && t.RemindAt != nil {
		out[keyRemindAt] = json.RawMessage(strconv.FormatInt(*t.RemindAt, 10))
	}
	if t.NotifiedAt != nil {
		out[keyNotifiedAt] = json.RawMessage(strconv.FormatInt(*t.NotifiedAt, 10))
	}
	if _, ok := out[keyDeletedAt]; !ok && t.Deleted {
		out[keyDeletedAt] = json.RawMessage("true")
	}

	return json.Marshal(out)
}

// Extra returns the raw value of a field the server does not inspect.
func (t Task) Extra(key string) (json.RawMessage, bool) {
	v, ok := t.raw[key]
	return v, ok
}

// Remindable reports whether the task participates in reminders at all:
// not completed, not deleted and carrying a remindAt.
func (t Task) Remindable() bool {
	return t.Status != StatusCompleted && !t.Deleted && t.RemindAt != nil
}

// Notified reports whether the current reminder has already been handled.
func (t Task) Notified() bool {
	return t.RemindAt != nil && t.NotifiedAt != nil && *t.NotifiedAt >= *t.RemindAt
}

// Millis is a small helper for building optional epoch-millisecond fields.
func Millis(ms int64) *int64 {
	return &ms
}

func setIfMissing(out map[string]json.RawMessage, key, value string) {
	if value == "" {
		return
	}
	if _, ok := out[key]; ok {
		return
	}
	b, _ := json.Marshal(value)
	out[key] = b
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// isSet treats null, false and "" as absent; any other value is a tombstone.
func isSet(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	if isNull(v) {
		return false
	}
	return !bytes.Equal(v, []byte("false")) && !bytes.Equal(v, []byte(`""`))
}

func rawString(v json.RawMessage) string {
	if isNull(v) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// rawText returns a string value as-is, or the literal text of a number.
func rawText(v json.RawMessage) string {
	if isNull(v) {
		return ""
	}
	if s := rawString(v); s != "" {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// rawMillis accepts integer or float JSON numbers; clients written in
// JavaScript may serialize timestamps either way.
func rawMillis(v json.RawMessage) *int64 {
	if isNull(v) {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return nil
	}
	if i, err := n.Int64(); err == nil {
		return &i
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	i := int64(f)
	return &i
}
