// Package envelope defines the wire format every message on the bus is wrapped
// in: a small, versioned JSON envelope whose payload is validated against a
// registered schema before it may be published or handed to application code.
// The package also implements the error classification that drives the
// delivery acknowledgment policy.
package envelope

import (
	"encoding/json"
	"time"

	idspkg "github.com/drblury/docflow/internal/runtime/ids"
	"github.com/drblury/docflow/internal/runtime/jsoncodec"
)

// DefaultVersion is the schema version assigned when the producer does not
// specify one.
const DefaultVersion = "1.0"

// Event is the wire unit of the pipeline. Its JSON form carries exactly five
// fields: type, version, id, timestamp, data. Reliability state (attempt
// counts, original topic, error details) never rides in the envelope body; it
// lives in transport message metadata and in the tracking store.
type Event struct {
	// Type names the event, e.g. "ArchiveIngested" or "JSONParsed".
	Type string

	// Version is the schema version string of the payload, e.g. "1.0".
	// (Type, Version) must resolve to exactly one registered schema.
	Version string

	// ID is an opaque token. Trackable work carries a content-derived id so
	// replays of the same logical unit collide instead of duplicating;
	// fire-and-forget events carry a ULID.
	ID string

	// Timestamp is the creation time, serialized as RFC3339 UTC.
	Timestamp time.Time

	// Data is the schema-typed payload object, kept raw so republishing an
	// envelope reproduces the original bytes.
	Data json.RawMessage
}

// wireEvent pins the exact JSON field set and ordering of the wire format.
type wireEvent struct {
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// New builds an event with a fresh ULID id and the current UTC time. The
// payload is serialized immediately; a payload that cannot be marshaled is an
// error at build time, not publish time.
func New(eventType, version string, payload any) (*Event, error) {
	e := &Event{
		Type:      eventType,
		Version:   version,
		ID:        idspkg.CreateULID(),
		Timestamp: Now(),
	}
	if e.Version == "" {
		e.Version = DefaultVersion
	}
	if err := e.SetData(payload); err != nil {
		return nil, err
	}
	return e, nil
}

// NewDeterministic builds an event whose id is derived from the event type and
// the given canonical parts. Publishing the same logical unit twice yields the
// same id, which is what makes retries and replays idempotent downstream.
func NewDeterministic(eventType, version string, payload any, idParts ...string) (*Event, error) {
	e, err := New(eventType, version, payload)
	if err != nil {
		return nil, err
	}
	e.ID = idspkg.DeriveID(eventType, idParts...)
	return e, nil
}

// SetData marshals payload into the data field. Raw bytes and json.RawMessage
// are stored as-is.
func (e *Event) SetData(payload any) error {
	switch p := payload.(type) {
	case nil:
		e.Data = nil
		return nil
	case json.RawMessage:
		e.Data = p
		return nil
	case []byte:
		e.Data = json.RawMessage(p)
		return nil
	}

	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return &ValidationError{Type: e.Type, Version: e.Version, Err: err}
	}
	e.Data = data
	return nil
}

// DecodeData unmarshals the payload into v.
func (e *Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return &ValidationError{Type: e.Type, Version: e.Version, Err: errMissingData}
	}
	if err := jsoncodec.Unmarshal(e.Data, v); err != nil {
		return &ValidationError{Type: e.Type, Version: e.Version, Err: err}
	}
	return nil
}

// Marshal emits the wire form of the envelope.
func (e *Event) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(wireEvent{
		Type:      e.Type,
		Version:   e.Version,
		ID:        e.ID,
		Timestamp: FormatTime(e.Timestamp),
		Data:      e.Data,
	})
}

// Parse decodes and structurally validates an envelope from wire bytes.
// Every failure is a *ValidationError: malformed envelopes are permanent and
// must be dropped, never requeued.
func Parse(b []byte) (*Event, error) {
	var w wireEvent
	if err := jsoncodec.Unmarshal(b, &w); err != nil {
		return nil, &ValidationError{Err: err}
	}

	e := &Event{
		Type:    w.Type,
		Version: w.Version,
		ID:      w.ID,
		Data:    w.Data,
	}

	if w.Timestamp != "" {
		ts, err := ParseTime(w.Timestamp)
		if err != nil {
			return nil, &ValidationError{Type: w.Type, Version: w.Version, Err: err}
		}
		e.Timestamp = ts
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the structural invariants of the envelope itself: all five
// wire fields present, timestamp set, data a JSON value. Payload shape is the
// schema registry's job.
func (e *Event) Validate() error {
	ve := func(err error) error {
		return &ValidationError{Type: e.Type, Version: e.Version, Err: err}
	}

	if e.Type == "" {
		return ve(errMissingType)
	}
	if e.Version == "" {
		return ve(errMissingVersion)
	}
	if e.ID == "" {
		return ve(errMissingID)
	}
	if e.Timestamp.IsZero() {
		return ve(errMissingTimestamp)
	}
	if len(e.Data) == 0 {
		return ve(errMissingData)
	}
	if !json.Valid(e.Data) {
		return ve(errInvalidData)
	}
	return nil
}
