package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idspkg "github.com/drblury/docflow/internal/runtime/ids"
)

type archiveIngested struct {
	ArchiveID string `json:"archive_id"`
	Source    string `json:"source"`
}

func TestMarshalWireShape(t *testing.T) {
	e := &Event{
		Type:      "ArchiveIngested",
		Version:   "1.0",
		ID:        "abc123",
		Timestamp: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		Data:      json.RawMessage(`{"archive_id":"a1"}`),
	}

	b, err := e.Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "ArchiveIngested",
		"version": "1.0",
		"id": "abc123",
		"timestamp": "2024-03-01T12:30:00Z",
		"data": {"archive_id": "a1"}
	}`, string(b))

	// The wire form carries exactly the five envelope fields.
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Len(t, wire, 5)
	for _, key := range []string{"type", "version", "id", "timestamp", "data"} {
		assert.Contains(t, wire, key)
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	orig, err := New("ArchiveIngested", "1.0", archiveIngested{ArchiveID: "a1", Source: "s3://bucket/export.zip"})
	require.NoError(t, err)

	b, err := orig.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(b)
	require.NoError(t, err)

	assert.Equal(t, orig.Type, parsed.Type)
	assert.Equal(t, orig.Version, parsed.Version)
	assert.Equal(t, orig.ID, parsed.ID)
	assert.True(t, orig.Timestamp.Equal(parsed.Timestamp))

	var payload archiveIngested
	require.NoError(t, parsed.DecodeData(&payload))
	assert.Equal(t, "a1", payload.ArchiveID)
}

func TestNewDefaultsVersion(t *testing.T) {
	e, err := New("ChunkEmbedded", "", map[string]string{"chunk_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, e.Version)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestNewDeterministicStableID(t *testing.T) {
	a, err := NewDeterministic("MessageParsed", "1.0", map[string]string{"k": "v"}, "archive-1", "msg-7")
	require.NoError(t, err)
	b, err := NewDeterministic("MessageParsed", "1.0", map[string]string{"k": "other"}, "archive-1", "msg-7")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.True(t, idspkg.IsDerivedID(a.ID))

	c, err := NewDeterministic("MessageParsed", "1.0", nil, "archive-1", "msg-8")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestParseRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"missing type", `{"version":"1.0","id":"x","timestamp":"2024-03-01T12:30:00Z","data":{}}`},
		{"missing version", `{"type":"A","id":"x","timestamp":"2024-03-01T12:30:00Z","data":{}}`},
		{"missing id", `{"type":"A","version":"1.0","timestamp":"2024-03-01T12:30:00Z","data":{}}`},
		{"missing timestamp", `{"type":"A","version":"1.0","id":"x","data":{}}`},
		{"missing data", `{"type":"A","version":"1.0","id":"x","timestamp":"2024-03-01T12:30:00Z"}`},
		{"not json", `not json at all`},
		{"bad timestamp", `{"type":"A","version":"1.0","id":"x","timestamp":"yesterday","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.wire))
			require.Error(t, err)

			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestMarshalRefusesInvalidEnvelope(t *testing.T) {
	e := &Event{Type: "A", Version: "1.0"}
	_, err := e.Marshal()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSetDataRawPassthrough(t *testing.T) {
	e := &Event{Type: "A", Version: "1.0"}
	raw := json.RawMessage(`{"exact":"bytes"}`)
	require.NoError(t, e.SetData(raw))
	assert.Equal(t, []byte(raw), []byte(e.Data))

	require.NoError(t, e.SetData([]byte(`{"also":"raw"}`)))
	assert.JSONEq(t, `{"also":"raw"}`, string(e.Data))
}
