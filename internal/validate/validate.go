// Package validate checks a completed form for required fields and
// accepted consents before it is submitted.
//
// The rules are a CUE schema. The record's JSON form is unified with the
// schema; every path that is missing or conflicts is reported as a field
// in the result. The default schema is form.cue; callers may supply their
// own with WithSchema.
package validate

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/formsync/internal/record"
)

//go:embed form.cue
var defaultSchema string

// Result is the outcome of validating one record.
type Result struct {
	Valid  bool     `json:"valid"`
	Fields []string `json:"fields,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// Error reports the fields that failed validation.
type Error struct {
	Fields []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Fields, ", "))
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// Validator checks records against a compiled schema. Safe for concurrent
// use.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// Option configures a Validator.
type Option func(*options)

type options struct {
	source string
	name   string
}

// WithSchema replaces the built-in rules with CUE source src.
func WithSchema(name, src string) Option {
	return func(o *options) {
		o.name = name
		o.source = src
	}
}

// New compiles the schema.
func New(opts ...Option) (*Validator, error) {
	o := options{source: defaultSchema, name: "form.cue"}
	for _, opt := range opts {
		opt(&o)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(o.source, cue.Filename(o.name))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", o.name, err)
	}
	return &Validator{ctx: ctx, schema: schema}, nil
}

// Validate checks r. Sensitive fields must be in plain text.
func (v *Validator) Validate(r record.FormRecord) Result {
	data, err := r.MarshalJSON()
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("marshal record: %v", err)}}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	value := v.ctx.CompileBytes(data, cue.Filename("record.json"))
	if err := value.Err(); err != nil {
		return Result{Errors: []string{fmt.Sprintf("compile record: %v", err)}}
	}

	err = v.schema.Unify(value).Validate(cue.Concrete(true), cue.All())
	if err == nil {
		return Result{Valid: true}
	}

	seen := make(map[string]struct{})
	var res Result
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		if path == "" {
			res.Errors = append(res.Errors, e.Error())
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		res.Fields = append(res.Fields, path)
		format, args := e.Msg()
		res.Errors = append(res.Errors, path+": "+fmt.Sprintf(format, args...))
	}
	sort.Strings(res.Fields)
	sort.Strings(res.Errors)
	return res
}

// Check returns an *Error listing the failing fields, or nil.
func (v *Validator) Check(r record.FormRecord) error {
	res := v.Validate(r)
	if res.Valid {
		return nil
	}
	fields := res.Fields
	if len(fields) == 0 {
		fields = res.Errors
	}
	return &Error{Fields: fields}
}
