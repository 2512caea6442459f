package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	invschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaFor reflects the JSON schema of an argument struct. Fields without
// omitempty are required.
func SchemaFor(v any) map[string]any {
	r := &invschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// Define builds a tool whose arguments decode into T. The schema is
// reflected from T.
func Define[T any](name, description string, category Category, fn func(ctx context.Context, inv Invocation, args T) (any, error)) Tool {
	var zero T
	return Tool{
		Name:        name,
		Description: description,
		Category:    category,
		Schema:      SchemaFor(&zero),
		Exec: func(ctx context.Context, inv Invocation) (any, error) {
			args, err := DecodeArgs[T](inv.Args)
			if err != nil {
				return nil, err
			}
			return fn(ctx, inv, args)
		},
	}
}

// DecodeArgs converts a loose argument object into T.
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(args)
	if err != nil {
		return out, Errorf(CodeInvalidArgs, "encode arguments: %v", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, Errorf(CodeInvalidArgs, "decode arguments: %v", err)
	}
	return out, nil
}

var schemaCache sync.Map

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(data)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

func validateAgainst(schema *jsonschema.Schema, args map[string]any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}
