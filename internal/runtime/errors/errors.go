package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired             = sterrors.New("docflow: event service is required")
	ErrHandlerRequired             = sterrors.New("docflow: handler function is required")
	ErrConsumeQueueRequired        = sterrors.New("docflow: consume queue is required")
	ErrHandlerNameRequired         = sterrors.New("docflow: handler name is required")
	ErrConsumeMessageTypeRequired  = sterrors.New("docflow: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("docflow: consume message type must be a pointer")
	ErrPublisherRequired           = sterrors.New("docflow: publisher is required")
	ErrTopicRequired               = sterrors.New("docflow: topic is required")
	ErrConfigRequired              = sterrors.New("docflow: configuration is required")
	ErrLoggerRequired              = sterrors.New("docflow: logger is required")
	ErrEventPayloadRequired        = sterrors.New("docflow: event payload is required")
	ErrEventRequired               = sterrors.New("docflow: event is required")
	ErrSchemaRequired              = sterrors.New("docflow: schema document is required")
	ErrTrackerRequired             = sterrors.New("docflow: tracking store is required")
	ErrStoreRequired               = sterrors.New("docflow: failed-message store is required")
)

// ConfigValidationError wraps the violations reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

// NewConfigValidationError wraps err; a nil err returns nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("docflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}
