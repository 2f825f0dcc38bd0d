package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Document is a desired-state document: the resources of one deployment,
// the values to export once they exist, and execution settings.
type Document struct {
	// Deployment scopes state records and discovery tags.
	Deployment string `json:"deployment" validate:"required,ident"`

	// Settings tune execution. Zero fields take DefaultSettings values.
	Settings Settings `json:"settings"`

	// Resources are the declared resource nodes.
	Resources []ResourceConfig `json:"resources" validate:"required,min=1,dive"`

	// Outputs are the values reported after apply.
	Outputs []OutputConfig `json:"outputs,omitempty" validate:"dive"`

	// Source is the file the document was loaded from.
	Source string `json:"-"`
}

// Settings are execution settings carried by the document. CLI flags
// override them.
type Settings struct {
	// Concurrency bounds the number of nodes applied at once.
	Concurrency int `json:"concurrency,omitempty" validate:"gte=0"`

	// MaxRetries bounds retries of a transient failure.
	MaxRetries int `json:"max_retries,omitempty" validate:"gte=0"`

	// BaseBackoff is the first retry delay.
	BaseBackoff Duration `json:"base_backoff,omitempty" validate:"gte=0"`

	// MaxBackoff caps the retry delay.
	MaxBackoff Duration `json:"max_backoff,omitempty" validate:"gte=0"`

	// CallTimeout bounds each adapter call.
	CallTimeout Duration `json:"call_timeout,omitempty" validate:"gte=0"`

	// StepTimeout bounds each bootstrap step unless a bootstrap sets its own.
	StepTimeout Duration `json:"step_timeout,omitempty" validate:"gte=0"`

	// Policies are Rego files or directories evaluated on the plan.
	Policies []string `json:"policies,omitempty"`
}

// ResourceConfig declares one resource node.
type ResourceConfig struct {
	Module string `json:"module" validate:"required,ident"`
	Type   string `json:"type" validate:"required,ident"`
	Name   string `json:"name" validate:"required,ident"`

	// Target selects the adapter.
	Target string `json:"target" validate:"required,oneof=cloud_network cloud_compute cloud_address onprem_container"`

	// Credential names the credential the adapter uses.
	Credential string `json:"credential,omitempty"`

	// Inputs are literals, ${module.type.name.output} references, lists of
	// either, or strings interpolating references.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// DependsOn lists node identities applied before this one.
	DependsOn []string `json:"depends_on,omitempty"`

	Bootstrap *BootstrapConfig `json:"bootstrap,omitempty"`
}

// ID returns the dotted node identity.
func (r ResourceConfig) ID() string {
	return r.Module + "." + r.Type + "." + r.Name
}

// BootstrapConfig declares remote steps run once the host is reachable.
type BootstrapConfig struct {
	Connection ConnectionConfig `json:"connection"`

	// Readiness is a Starlark boolean over the node's outputs.
	Readiness string `json:"readiness,omitempty"`

	// StepTimeout overrides Settings.StepTimeout.
	StepTimeout Duration `json:"step_timeout,omitempty" validate:"gte=0"`

	Steps []StepConfig `json:"steps" validate:"required,min=1,dive"`
}

// ConnectionConfig describes how to reach the host.
type ConnectionConfig struct {
	// Host is usually a reference to an address output.
	Host       string `json:"host" validate:"required"`
	Port       int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	User       string `json:"user" validate:"required"`
	AuthMethod string `json:"auth_method,omitempty" validate:"omitempty,oneof=key password"`
	Credential string `json:"credential,omitempty"`
}

// StepConfig is a bootstrap step. Exactly one of Upload and Run is set.
type StepConfig struct {
	Name   string        `json:"name,omitempty"`
	Upload *UploadConfig `json:"upload,omitempty"`
	Run    *RunConfig    `json:"run,omitempty"`
}

// UploadConfig copies a local file or inline content to the host.
type UploadConfig struct {
	Source      string   `json:"source,omitempty"`
	Content     string   `json:"content,omitempty"`
	Destination string   `json:"destination" validate:"required"`
	Mode        FileMode `json:"mode,omitempty"`
}

// RunConfig executes a command on the host.
type RunConfig struct {
	Command string `json:"command" validate:"required"`

	// AlreadyDone are output markers that make a failing command count as
	// succeeded.
	AlreadyDone []string `json:"already_done,omitempty"`
}

// OutputConfig exports a node output under a label.
type OutputConfig struct {
	Label    string `json:"label" validate:"required"`
	Source   string `json:"source" validate:"required"`
	Output   string `json:"output" validate:"required"`
	Template string `json:"template,omitempty"`
}

// Duration is a time.Duration written as "90s" or "5m". Bare numbers are
// seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// FileMode is a permission mode written as an octal string ("0755").
// Bare numbers are taken as is.
type FileMode os.FileMode

// UnmarshalJSON implements json.Unmarshaler.
func (m *FileMode) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*m = FileMode(uint32(value))
	case string:
		parsed, err := strconv.ParseUint(value, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid file mode %q: expected octal digits", value)
		}
		*m = FileMode(parsed)
	case nil:
		*m = 0
	default:
		return fmt.Errorf("invalid file mode %v", v)
	}
	if os.FileMode(*m)&^os.ModePerm != 0 {
		return fmt.Errorf("file mode %o has bits outside the permission range", uint32(*m))
	}
	return nil
}

// ValidationError is one problem found in a document.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed), when known.
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed), when known.
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "resources[2].inputs.subnet_id".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", loc, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return loc + ": " + e.Message
	case e.Path != "":
		return e.Path + ": " + e.Message
	default:
		return e.Message
	}
}

// DocumentError collects every problem found while loading a document.
// It is fatal: nothing is applied from an invalid document.
type DocumentError struct {
	Errors []ValidationError
}

func (e *DocumentError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid document: " + e.Errors[0].String()
	}
	msg := fmt.Sprintf("invalid document: %d errors", len(e.Errors))
	for _, ve := range e.Errors {
		msg += "\n  " + ve.String()
	}
	return msg
}

func (e *DocumentError) add(path, format string, args ...interface{}) {
	e.Errors = append(e.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (e *DocumentError) errorOrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}
