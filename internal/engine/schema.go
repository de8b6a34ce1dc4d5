package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-steward/internal/persistence"
)

// WithSchema validates each job payload against schemaJSON before calling h.
// A payload that does not match is a permanent failure.
func WithSchema(schemaJSON []byte, h Handler) (Handler, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return func(ctx context.Context, job persistence.Job) error {
		// UnmarshalJSON keeps numbers as json.Number, which the validator needs.
		parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(job.Payload))
		if err != nil {
			return Permanent(fmt.Errorf("payload is not JSON: %w", err))
		}
		if err := schema.Validate(parsed); err != nil {
			return Permanent(fmt.Errorf("payload schema validation failed: %w", err))
		}
		return h(ctx, job)
	}, nil
}
