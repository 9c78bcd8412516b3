// Package schema validates mutation inputs and inbound records against
// embedded JSON Schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	TaskCreate         = "task.create"
	TaskPatch          = "task.patch"
	TaskRecord         = "task.record"
	MessageCreate      = "message.create"
	MessageEdit        = "message.edit"
	MessageRecord      = "message.record"
	NotificationRecord = "notification.record"
	PushEnvelope       = "push.envelope"
)

const baseURL = "https://collabsync.dev/schemas/"

//go:embed schemas/*.json
var schemaFS embed.FS

var ErrUnknownSchema = errors.New("unknown schema")

// ValidationError lists every violation of one document.
type ValidationError struct {
	Schema string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, strings.Join(e.Causes, "; "))
}

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// Default returns the process-wide validator over the embedded schemas.
func Default() *Validator {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = New()
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("schema: compile embedded schemas: %v", defaultErr))
	}
	return defaultValidator
}

func New() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if err := c.AddResource(baseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		sch, err := c.Compile(baseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.schemas[name] = sch
	}
	return v, nil
}

// Names lists the available schemas.
func (v *Validator) Names() []string {
	out := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks value after a JSON round trip, so struct tags apply.
func (v *Validator) Validate(name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return v.ValidateJSON(name, raw)
}

func (v *Validator) ValidateJSON(name string, raw []byte) error {
	sch, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Schema: name, Causes: []string{"malformed json: " + err.Error()}}
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Schema: name, Causes: leafCauses(verr)}
		}
		return &ValidationError{Schema: name, Causes: []string{err.Error()}}
	}
	return nil
}

func leafCauses(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		msg := verr.Error()
		if idx := strings.LastIndex(msg, "\n"); idx >= 0 {
			msg = msg[idx+1:]
		}
		msg = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg), "-"))
		return []string{"/" + strings.Join(verr.InstanceLocation, "/") + " " + msg}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, leafCauses(cause)...)
	}
	return out
}
