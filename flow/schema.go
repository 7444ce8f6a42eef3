package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

func compileSchema(node, name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return nil, fmt.Errorf("parameters for %s: %w", name, err)
	}

	location := "https://callflow.local/functions/" + url.PathEscape(node) + "/" + url.PathEscape(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("add schema for %s: %w", name, err)
	}
	schema, err := c.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// validate checks args against the function's parameter schema.
func (f *Function) validate(args Args) error {
	if f.schema == nil {
		return nil
	}
	if args == nil {
		args = Args{}
	}
	doc, err := toJSONValue(map[string]any(args))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, f.Name, err)
	}
	if err := f.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, f.Name, err)
	}
	return nil
}

// toJSONValue round-trips v through JSON so numbers decode the way the
// validator expects.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// canonicalArgs renders args with sorted keys for duplicate detection.
func canonicalArgs(args Args) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(map[string]any(args))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(args))
	}
	return string(data)
}
