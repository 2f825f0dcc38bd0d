package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/straddle/pkg/bootstrap"
)

// Format is the encoding of a document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// DetectFormat returns the format implied by a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported document extension %q (want .yaml, .yml, .json or .cue)", filepath.Ext(path))
	}
}

// Loader reads desired-state documents. Every format goes through the same
// pipeline: decode, check against the CUE schema, decode into Document,
// validate struct tags, then check the things tags cannot express.
//
// A Loader is not safe for concurrent use.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
	predicate *bootstrap.Predicate
}

// NewLoader creates a document loader.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return isIdent(fl.Field().String())
	})
	v.RegisterStructValidation(validateStep, StepConfig{})
	v.RegisterStructValidation(validateUpload, UploadConfig{})

	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: v,
		predicate: bootstrap.NewPredicate(0),
	}
}

// Load reads and validates the document at path.
func (l *Loader) Load(path string) (*Document, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return l.Parse(data, format, path)
}

// Parse decodes and validates a document. source names it in errors.
func (l *Loader) Parse(data []byte, format Format, source string) (*Document, error) {
	raw, err := l.decode(data, format, source)
	if err != nil {
		return nil, err
	}

	if err := l.schemas.ValidateAgainstSchema("document", raw); err != nil {
		return nil, &DocumentError{Errors: convertCUEErrors(err, source)}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, documentError(source, "", "failed to encode document: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, documentError(source, "", "%v", err)
	}
	doc.Source = source

	if err := l.Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks a decoded document. The conversion to nodes runs as part
// of it, so a document that validates also converts.
func (l *Loader) Validate(doc *Document) error {
	derr := &DocumentError{}

	if err := l.validator.Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return documentError(doc.Source, "", "%v", err)
		}
		for _, fe := range verrs {
			derr.Errors = append(derr.Errors, ValidationError{
				File:    doc.Source,
				Path:    strings.TrimPrefix(fe.Namespace(), "Document."),
				Message: fieldMessage(fe),
			})
		}
		return derr
	}

	seen := make(map[string]int, len(doc.Resources))
	for i, rc := range doc.Resources {
		path := fmt.Sprintf("resources[%d]", i)
		if first, dup := seen[rc.ID()]; dup {
			derr.add(path, "duplicate node identity %s (first declared at resources[%d])", rc.ID(), first)
			continue
		}
		seen[rc.ID()] = i
		if rc.Bootstrap != nil && rc.Bootstrap.Readiness != "" {
			if err := l.predicate.Check(rc.Bootstrap.Readiness); err != nil {
				derr.add(path+".bootstrap.readiness", "%v", err)
			}
		}
	}

	labels := make(map[string]bool, len(doc.Outputs))
	for i, oc := range doc.Outputs {
		if labels[oc.Label] {
			derr.add(fmt.Sprintf("outputs[%d].label", i), "duplicate output label %q", oc.Label)
		}
		labels[oc.Label] = true
	}

	if len(derr.Errors) == 0 {
		if _, _, err := doc.Nodes(); err != nil {
			return withFile(err, doc.Source)
		}
	}

	for i := range derr.Errors {
		derr.Errors[i].File = doc.Source
	}
	return derr.errorOrNil()
}

func (l *Loader) decode(data []byte, format Format, source string) (map[string]interface{}, error) {
	var raw interface{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, documentError(source, "", "%v", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, documentError(source, "", "%v", err)
		}
	case FormatCUE:
		val := l.schemas.Context().CompileBytes(data, cue.Filename(source))
		if err := val.Err(); err != nil {
			return nil, &DocumentError{Errors: convertCUEErrors(err, source)}
		}
		if err := val.Validate(cue.Concrete(true)); err != nil {
			return nil, &DocumentError{Errors: convertCUEErrors(err, source)}
		}
		if err := val.Decode(&raw); err != nil {
			return nil, documentError(source, "", "%v", err)
		}
	default:
		return nil, fmt.Errorf("unsupported document format %q", format)
	}

	doc, ok := raw.(map[string]interface{})
	if !ok {
		return nil, documentError(source, "", "document must be a mapping, got %T", raw)
	}
	return doc, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error, source string) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    source,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == source {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: source, Message: err.Error()})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "ident":
		return fmt.Sprintf("%q must contain only letters, digits, '_' or '-'", fe.Value())
	case "oneof":
		return fmt.Sprintf("%v must be one of [%s]", fe.Value(), fe.Param())
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "step":
		return "must set exactly one of upload or run"
	case "upload_source":
		return "must set exactly one of source or content"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func validateStep(sl validator.StructLevel) {
	step := sl.Current().Interface().(StepConfig)
	if (step.Upload == nil) == (step.Run == nil) {
		sl.ReportError(step.Upload, "upload", "Upload", "step", "")
	}
}

func validateUpload(sl validator.StructLevel) {
	upload := sl.Current().Interface().(UploadConfig)
	if (upload.Source == "") == (upload.Content == "") {
		sl.ReportError(upload.Source, "source", "Source", "upload_source", "")
	}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func documentError(source, path, format string, args ...interface{}) *DocumentError {
	return &DocumentError{Errors: []ValidationError{{
		File:    source,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	}}}
}

func withFile(err error, source string) error {
	if derr, ok := err.(*DocumentError); ok {
		for i := range derr.Errors {
			derr.Errors[i].File = source
		}
	}
	return err
}
