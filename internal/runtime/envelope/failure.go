package envelope

import (
	"encoding/json"
	"time"

	idspkg "github.com/drblury/docflow/internal/runtime/ids"
)

// FailurePayload is the data carried by every <Stage>Failed event. It keeps the
// original payload verbatim so an operator (or the failed-queue console) can
// replay the work after fixing the cause.
type FailurePayload struct {
	OriginalData json.RawMessage `json:"original_data"`
	ErrorMessage string          `json:"error_message"`
	ErrorType    string          `json:"error_type"`
	RetryCount   int             `json:"retry_count"`
	FailedAt     time.Time       `json:"failed_at"`
}

// NewFailureEvent builds the failure event for a stage from the envelope whose
// processing failed. The failure id is derived from the original event id, so
// redelivered failures collapse onto one failure event downstream.
func NewFailureEvent(orig *Event, stage string, cause error, retryCount int, at time.Time) (*Event, error) {
	failType := StageFailedType(stage)

	payload := FailurePayload{
		OriginalData: orig.Data,
		ErrorMessage: cause.Error(),
		ErrorType:    ErrorClass(cause),
		RetryCount:   retryCount,
		FailedAt:     at.UTC().Truncate(time.Second),
	}

	e, err := New(failType, DefaultVersion, payload)
	if err != nil {
		return nil, err
	}
	e.ID = idspkg.DeriveID(failType, orig.ID)
	return e, nil
}

// DecodeFailure unmarshals a failure event's payload.
func DecodeFailure(e *Event) (FailurePayload, error) {
	var p FailurePayload
	if err := e.DecodeData(&p); err != nil {
		return FailurePayload{}, err
	}
	return p, nil
}
