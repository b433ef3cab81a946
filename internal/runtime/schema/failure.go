package schema

// FailureSchemaJSON is the shared payload schema for <Stage>Failed events.
// Stages register it automatically; an operator may override it per failure
// type before the stage is wired.
const FailureSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "original_data": {},
    "error_message": {"type": "string"},
    "error_type": {"type": "string"},
    "retry_count": {"type": "integer", "minimum": 0},
    "failed_at": {"type": "string", "format": "date-time"}
  },
  "required": ["original_data", "error_message", "error_type", "retry_count", "failed_at"]
}`
