package interaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"agentflow/common"
	"agentflow/domain"

	"github.com/invopop/jsonschema"
)

var ErrInvalidPayload = errors.New("invalid interaction payload")

var (
	stringFormats  = []string{"textarea", "date", "date-time", "binary", "json", "radio", "uuid", "email", "currency"}
	booleanFormats = []string{"toggle"}
)

// ParseSchema decodes and checks a payload schema. Only the subset of JSON
// schema that interaction forms render is accepted: object, array, string,
// number and boolean nodes. A nil or empty document yields a nil schema.
func ParseSchema(doc domain.Document) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, &common.ConfigurationError{Reason: "invalid payload schema", Err: err}
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, &common.ConfigurationError{Reason: "invalid payload schema", Err: err}
	}
	if err := checkSchemaNode(&schema, "$"); err != nil {
		return nil, err
	}
	return &schema, nil
}

func checkSchemaNode(schema *jsonschema.Schema, path string) error {
	switch schema.Type {
	case "":
		return common.NewConfigurationError("schema node %s must declare a type", path)
	case "object":
		if schema.Properties != nil {
			for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
				if pair.Value == nil {
					return common.NewConfigurationError("schema property %s.%s is empty", path, pair.Key)
				}
				if err := checkSchemaNode(pair.Value, path+"."+pair.Key); err != nil {
					return err
				}
			}
		}
	case "array":
		if schema.Items == nil {
			return common.NewConfigurationError("array schema at %s must declare items", path)
		}
		return checkSchemaNode(schema.Items, path+"[*]")
	case "string":
		if schema.Format != "" && !slices.Contains(stringFormats, schema.Format) {
			return common.NewConfigurationError("unsupported string format %q at %s", schema.Format, path)
		}
		for _, value := range schema.Enum {
			if _, ok := value.(string); !ok {
				return common.NewConfigurationError("enum values must be strings at %s", path)
			}
		}
	case "number", "integer":
	case "boolean":
		if schema.Format != "" && !slices.Contains(booleanFormats, schema.Format) {
			return common.NewConfigurationError("unsupported boolean format %q at %s", schema.Format, path)
		}
	default:
		return common.NewConfigurationError("unsupported schema type %q at %s", schema.Type, path)
	}
	return nil
}

// ValidatePayload checks payload against schema. A nil schema accepts
// anything. Failures wrap ErrInvalidPayload.
func ValidatePayload(schema *jsonschema.Schema, payload domain.Document) error {
	if schema == nil {
		return nil
	}
	var value any
	if payload != nil {
		value = map[string]any(payload.Clone())
	}
	return validateValue(schema, value, "$")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func validateValue(schema *jsonschema.Schema, value any, path string) error {
	if value == nil {
		if schema.Type == "object" && len(schema.Required) > 0 {
			return invalid("value required at %s", path)
		}
		return nil
	}

	switch schema.Type {
	case "object":
		object, ok := value.(map[string]any)
		if !ok {
			return invalid("expected object at %s", path)
		}
		if schema.Properties == nil {
			if len(schema.Required) > 0 {
				return invalid("object schema at %s declares required fields without properties", path)
			}
			return nil
		}
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			property, present := object[pair.Key]
			if (!present || property == nil) && slices.Contains(schema.Required, pair.Key) {
				return invalid("value required for property %q at %s", pair.Key, path)
			}
			if err := validateValue(pair.Value, property, path+"."+pair.Key); err != nil {
				return err
			}
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return invalid("expected array at %s", path)
		}
		for i, item := range items {
			if err := validateValue(schema.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case "string":
		text, ok := value.(string)
		if !ok {
			return invalid("expected string at %s", path)
		}
		if err := validateStringFormat(schema.Format, text, path); err != nil {
			return err
		}
		if len(schema.Enum) > 0 && !slices.Contains(schema.Enum, any(text)) {
			return invalid("value %q is not allowed at %s", text, path)
		}
	case "number", "integer":
		number, ok := value.(float64)
		if !ok {
			return invalid("expected number at %s", path)
		}
		if schema.Type == "integer" && number != float64(int64(number)) {
			return invalid("expected integer at %s", path)
		}
		if min, err := schema.Minimum.Float64(); schema.Minimum != "" && err == nil && number < min {
			return invalid("value at %s must be >= %v", path, min)
		}
		if max, err := schema.Maximum.Float64(); schema.Maximum != "" && err == nil && number > max {
			return invalid("value at %s must be <= %v", path, max)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return invalid("expected boolean at %s", path)
		}
	}
	return nil
}

func validateStringFormat(format, text, path string) error {
	switch format {
	case "date":
		if _, err := time.Parse(time.DateOnly, text); err != nil {
			return invalid("invalid date at %s", path)
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, text); err != nil {
			return invalid("invalid date-time at %s", path)
		}
	case "json":
		if !json.Valid([]byte(text)) {
			return invalid("invalid json at %s", path)
		}
	}
	return nil
}
