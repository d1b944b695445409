// Package validate holds the pure check predicates applied to completed job
// results. Every check is deterministic and free of I/O: it takes a result
// payload and an expectation and returns nil or a *Mismatch describing every
// violated expectation.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kiranshivaraju/glmharness/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidationMismatch is wrapped by every *Mismatch.
var ErrValidationMismatch = errors.New("validation mismatch")

// Mismatch lists the expectations a result payload violated.
type Mismatch struct {
	Kind     models.JobKind
	Problems []string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("%s result mismatch: %s", m.Kind, strings.Join(m.Problems, "; "))
}

func (m *Mismatch) Unwrap() error { return ErrValidationMismatch }

// IsMismatch reports whether err carries a validation mismatch.
func IsMismatch(err error) bool {
	return errors.Is(err, ErrValidationMismatch)
}

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[models.JobKind]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[models.JobKind]*jsonschema.Schema, len(models.JobKinds))
	for _, kind := range models.JobKinds {
		name := "schemas/" + string(kind) + ".json"
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			schemasErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			schemasErr = fmt.Errorf("add schema resource %s: %w", name, err)
			return
		}
		s, err := compiler.Compile(name)
		if err != nil {
			schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[kind] = s
	}
	schemas = compiled
}

// Structure checks a payload against the JSON schema for its job kind.
func Structure(kind models.JobKind, payload models.Payload) error {
	_, err := structure(kind, payload)
	return err
}

// structure validates the payload and returns it normalised to plain JSON
// values ([]any, map[string]any, json.Number) for the semantic checks.
func structure(kind models.JobKind, payload models.Payload) (map[string]any, error) {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return nil, schemasErr
	}
	schema, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("no schema for job kind %q", kind)
	}
	if payload == nil {
		return nil, &Mismatch{Kind: kind, Problems: []string{"result payload is empty"}}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &Mismatch{Kind: kind, Problems: []string{fmt.Sprintf("payload is not JSON-encodable: %v", err)}}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, &Mismatch{Kind: kind, Problems: []string{fmt.Sprintf("payload is not valid JSON: %v", err)}}
	}

	if err := schema.Validate(any(doc)); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, &Mismatch{Kind: kind, Problems: schemaProblems(verr)}
		}
		return nil, &Mismatch{Kind: kind, Problems: []string{err.Error()}}
	}
	return doc, nil
}

// schemaProblems flattens a validation error tree into sorted leaf messages.
func schemaProblems(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	sort.Strings(out)
	return out
}

// problems accumulates mismatch descriptions for one check.
type problems struct {
	kind models.JobKind
	list []string
}

func (p *problems) addf(format string, args ...any) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	return &Mismatch{Kind: p.kind, Problems: p.list}
}

// Number reads a numeric field from a decoded payload.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}
