package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidLog is returned when a serialized message log fails validation.
var ErrInvalidLog = errors.New("invalid message log")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validatePart, Part{})
	return v
}

// validatePart enforces the per-type required fields of a content part.
func validatePart(sl validator.StructLevel) {
	p := sl.Current().Interface().(Part)
	switch p.Type {
	case PartToolCall:
		if p.ToolCallID == "" {
			sl.ReportError(p.ToolCallID, "ToolCallID", "toolCallId", "required", "")
		}
		if p.ToolName == "" {
			sl.ReportError(p.ToolName, "ToolName", "toolName", "required", "")
		}
		if !p.Args.IsZero() && !p.Args.IsObject() {
			sl.ReportError(p.Args, "Args", "args", "json_object", "")
		}
	case PartToolResult:
		if p.ToolCallID == "" {
			sl.ReportError(p.ToolCallID, "ToolCallID", "toolCallId", "required", "")
		}
	}
}

// ValidateLog checks every message of a log. Tool-result parts are only
// allowed inside tool messages.
func ValidateLog(log []StoredMessage) error {
	for i, m := range log {
		if err := validate.Struct(m); err != nil {
			return fmt.Errorf("%w: message %d: %v", ErrInvalidLog, i, err)
		}
		if m.Role == RoleTool {
			continue
		}
		for _, p := range m.Content.Parts {
			if p.Type == PartToolResult {
				return fmt.Errorf("%w: message %d: tool-result part in %s message", ErrInvalidLog, i, m.Role)
			}
		}
	}
	return nil
}

// DecodeLog parses and validates a serialized log. Empty input and JSON null
// decode to an empty log.
func DecodeLog(data []byte) ([]StoredMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []StoredMessage{}, nil
	}
	var log []StoredMessage
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	if log == nil {
		log = []StoredMessage{}
	}
	if err := ValidateLog(log); err != nil {
		return nil, err
	}
	return log, nil
}

// EncodeLog serializes a log for storage. A nil log encodes as an empty array.
func EncodeLog(log []StoredMessage) ([]byte, error) {
	if log == nil {
		log = []StoredMessage{}
	}
	b, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("encode log: %w", err)
	}
	return b, nil
}
