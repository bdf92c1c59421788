package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/leadwire/flowengine/internal/executor"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ConfigValidator validates node config against the JSON Schema an
// executor declares in its Spec. Schemas are compiled once per executor
// type and cached. Safe for concurrent use.
type ConfigValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewConfigValidator creates an empty ConfigValidator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks config against the executor's declared schema.
// Executors without a schema accept any config.
func (v *ConfigValidator) Validate(ex executor.Executor, config map[string]any) error {
	raw := ex.Spec().ConfigSchema
	if len(raw) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(ex.Type(), raw)
	if err != nil {
		return fmt.Errorf("schema for type %q: %w", ex.Type(), err)
	}

	if config == nil {
		config = map[string]any{}
	}

	// Round-trip through JSON so numbers become json.Number, which the
	// jsonschema library requires.
	doc, err := toJSONValue(config)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return flattenValidationError(err)
	}
	return nil
}

func (v *ConfigValidator) getOrCompile(typ string, raw json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[typ]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[typ]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("flowengine://config-schema/%s", typ)
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[typ] = compiled
	return compiled, nil
}

func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// flattenValidationError reduces a jsonschema error tree to a single
// readable message with instance locations.
func flattenValidationError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return err
	}
	return fmt.Errorf("%s", strings.Join(violations, "; "))
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
