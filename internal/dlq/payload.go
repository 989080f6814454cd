package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrNotReplayable is returned when a payload lacks what a replay needs.
var ErrNotReplayable = errors.New("payload is not replayable")

// Payload is the envelope a replayable record carries. Other keys the failing
// caller attached are kept in Context.
type Payload struct {
	Specialist string         `json:"specialist" validate:"required"`
	Prompt     string         `json:"prompt" validate:"required"`
	Context    map[string]any `json:"context,omitempty"`
}

// Validate checks that the envelope names a specialist and carries a
// non-blank prompt.
func (p Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: missing %s", ErrNotReplayable, jsonName(verrs[0].Field()))
		}
		return fmt.Errorf("%w: %v", ErrNotReplayable, err)
	}
	if strings.TrimSpace(p.Specialist) == "" {
		return fmt.Errorf("%w: missing specialist", ErrNotReplayable)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: missing prompt", ErrNotReplayable)
	}
	return nil
}

func jsonName(field string) string {
	switch field {
	case "Specialist":
		return "specialist"
	case "Prompt":
		return "prompt"
	default:
		return strings.ToLower(field)
	}
}

// DecodePayload reads the envelope out of a raw record payload and validates
// it. Unknown top-level keys are folded into Context.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Payload{}, fmt.Errorf("%w: payload is empty", ErrNotReplayable)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: payload is not an object", ErrNotReplayable)
	}

	var p Payload
	if s, ok := fields["specialist"].(string); ok {
		p.Specialist = s
	}
	if s, ok := fields["prompt"].(string); ok {
		p.Prompt = s
	}
	if ctx, ok := fields["context"].(map[string]any); ok {
		p.Context = ctx
	}
	for k, v := range fields {
		switch k {
		case "specialist", "prompt", "context":
			continue
		}
		if p.Context == nil {
			p.Context = make(map[string]any)
		}
		if _, exists := p.Context[k]; !exists {
			p.Context[k] = v
		}
	}

	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
