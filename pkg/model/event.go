package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/autostars/obd-bridge/pkg/protocol"
)

// EventNamespace prefixes every fully-qualified domain event name emitted by the backend.
const EventNamespace = "de.autostars.domain."

// TimestampLayout is the backend's event timestamp format (yyyy-MM-dd'T'HH:mm:ss.SS'Z').
const TimestampLayout = "2006-01-02T15:04:05.00Z"

// AttributeKind enumerates the value types an event attribute can hold.
type AttributeKind int

const (
	KindString AttributeKind = iota
	KindInt
	KindDouble
)

// Attribute is a single named event value.
type Attribute struct {
	kind AttributeKind
	str  string
	num  int64
	dbl  float64
}

func StringAttribute(s string) Attribute  { return Attribute{kind: KindString, str: s} }
func IntAttribute(n int64) Attribute      { return Attribute{kind: KindInt, num: n} }
func DoubleAttribute(f float64) Attribute { return Attribute{kind: KindDouble, dbl: f} }

func (a Attribute) Kind() AttributeKind { return a.kind }

// String returns the attribute formatted as text, whatever its kind.
func (a Attribute) String() string {
	switch a.kind {
	case KindInt:
		return strconv.FormatInt(a.num, 10)
	case KindDouble:
		return strconv.FormatFloat(a.dbl, 'f', -1, 64)
	}
	return a.str
}

// Int returns the attribute as an integer. String attributes holding a decimal integer convert;
// doubles convert only when they have no fractional part.
func (a Attribute) Int() (int64, bool) {
	switch a.kind {
	case KindInt:
		return a.num, true
	case KindDouble:
		if a.dbl == float64(int64(a.dbl)) {
			return int64(a.dbl), true
		}
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(a.str), 10, 64)
	return n, err == nil
}

// Double returns the attribute as a floating point number.
func (a Attribute) Double() (float64, bool) {
	switch a.kind {
	case KindInt:
		return float64(a.num), true
	case KindDouble:
		return a.dbl, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(a.str), 64)
	return f, err == nil
}

func (a Attribute) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case KindInt:
		return json.Marshal(a.num)
	case KindDouble:
		return json.Marshal(a.dbl)
	}
	return json.Marshal(a.str)
}

func (a *Attribute) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("model: empty attribute")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = StringAttribute(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*a = StringAttribute("")
		return nil
	}
	if !bytes.ContainsAny(data, ".eE") {
		if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			*a = IntAttribute(n)
			return nil
		}
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("model: unsupported attribute value %s", data)
	}
	*a = DoubleAttribute(f)
	return nil
}

// DiagnosticEvent is an immutable domain event pushed by the backend's event stream.
type DiagnosticEvent struct {
	ID                string
	Name              string
	Timestamp         time.Time
	AggregateID       string
	AggregateRevision int64
	Attributes        map[string]Attribute
}

type eventFrame struct {
	ID                string               `json:"id"`
	Name              string               `json:"name"`
	Timestamp         string               `json:"timestamp"`
	AggregateID       string               `json:"aggregateId"`
	AggregateRevision int64                `json:"aggregateRevision"`
	Attributes        map[string]Attribute `json:"attributes"`
}

// DecodeEvent parses a single event-stream JSON frame.
func DecodeEvent(frame []byte) (DiagnosticEvent, error) {
	event, err := decodeEvent(frame)
	if err != nil {
		return DiagnosticEvent{}, fmt.Errorf("%w: %w", protocol.ErrBadEvent, err)
	}
	return event, nil
}

func decodeEvent(frame []byte) (DiagnosticEvent, error) {
	var f eventFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return DiagnosticEvent{}, fmt.Errorf("model: malformed event: %w", err)
	}
	if f.Name == "" {
		return DiagnosticEvent{}, fmt.Errorf("model: event without name")
	}
	ts, err := ParseTimestamp(f.Timestamp)
	if err != nil {
		return DiagnosticEvent{}, err
	}
	if f.Attributes == nil {
		f.Attributes = map[string]Attribute{}
	}
	return DiagnosticEvent{
		ID:                f.ID,
		Name:              f.Name,
		Timestamp:         ts,
		AggregateID:       f.AggregateID,
		AggregateRevision: f.AggregateRevision,
		Attributes:        f.Attributes,
	}, nil
}

// ParseTimestamp parses an event timestamp. Any RFC 3339 timestamp is accepted in addition to the
// backend's two-digit fractional format.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(TimestampLayout, value); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("model: malformed event timestamp '%s'", value)
	}
	return ts, nil
}

func (e DiagnosticEvent) MarshalJSON() ([]byte, error) {
	f := eventFrame{
		ID:                e.ID,
		Name:              e.Name,
		AggregateID:       e.AggregateID,
		AggregateRevision: e.AggregateRevision,
		Attributes:        e.Attributes,
	}
	if !e.Timestamp.IsZero() {
		f.Timestamp = e.Timestamp.UTC().Format(TimestampLayout)
	}
	return json.Marshal(f)
}

// ShortName strips EventNamespace from the event name. Callers switch on the short name.
func (e DiagnosticEvent) ShortName() string {
	return strings.TrimPrefix(e.Name, EventNamespace)
}

// Attribute returns the named attribute.
func (e DiagnosticEvent) Attribute(key string) (Attribute, bool) {
	a, ok := e.Attributes[key]
	return a, ok
}

// AttributeString returns the named attribute formatted as text, or "" if it is absent.
func (e DiagnosticEvent) AttributeString(key string) string {
	if a, ok := e.Attributes[key]; ok {
		return a.String()
	}
	return ""
}

// AttributeInt returns the named attribute as an integer.
func (e DiagnosticEvent) AttributeInt(key string) (int64, bool) {
	if a, ok := e.Attributes[key]; ok {
		return a.Int()
	}
	return 0, false
}

// AttributeDouble returns the named attribute as a float.
func (e DiagnosticEvent) AttributeDouble(key string) (float64, bool) {
	if a, ok := e.Attributes[key]; ok {
		return a.Double()
	}
	return 0, false
}
