package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser decodes CUE configuration files. Every file is unified with the
// built-in #Config schema before it is decoded, so type and enum mistakes are
// reported with CUE positions.
type CUEParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEParser creates a parser with the built-in schema compiled.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:    ctx,
		schema: ctx.CompileString(configSchema, cue.Filename("aiready-schema.cue")).LookupPath(cue.ParsePath("#Config")),
	}
}

// Parse compiles data, checks it against the schema and decodes the result.
// Defaults are not applied.
func (cp *CUEParser) Parse(data []byte, filename string) (*Config, error) {
	if err := cp.schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := cp.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	unified := cp.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	cfg := &Config{}
	if err := unified.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks data against the schema without decoding it.
func (cp *CUEParser) Validate(data []byte, filename string) []ValidationError {
	if _, err := cp.Parse(data, filename); err != nil {
		if le, ok := err.(*LoadError); ok {
			return le.Errors
		}
		return []ValidationError{{File: filename, Message: err.Error(), Severity: "error"}}
	}
	return nil
}

// convertCUEErrors flattens a CUE error list into positioned problems.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		v := ValidationError{
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			v.File = pos[0].Filename()
			v.Line = pos[0].Line()
			v.Column = pos[0].Column()
		}
		out = append(out, v)
	}
	return out
}
