// Package tool defines the tool contract and the execution envelope
// shared by builtin and MCP-provided tools.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// Context carries the per-call environment handed to every tool.
type Context struct {
	context.Context

	SessionID string
	MessageID string
	CallID    string
	Agent     string

	// Directory is the instance working directory; Worktree is the git
	// root (or "/" outside a repository).
	Directory string
	Worktree  string

	// Ask blocks until the user approves the (permission, patterns)
	// pair, or returns permission.DeniedError / ErrRejected /
	// CorrectedError.
	Ask func(ctx context.Context, permission string, patterns, alwaysPatterns []string, metadata map[string]any) error

	// Metadata streams incremental metadata updates to the UI while the
	// tool runs. May be nil.
	Metadata func(map[string]any)
}

// UpdateMetadata is a nil-safe wrapper around the metadata sink.
func (c *Context) UpdateMetadata(m map[string]any) {
	if c.Metadata != nil {
		c.Metadata(m)
	}
}

// RequestPermission is a nil-safe wrapper around Ask; a nil Ask allows
// everything, which only happens in tests.
func (c *Context) RequestPermission(permission string, patterns, alwaysPatterns []string, metadata map[string]any) error {
	if c.Ask == nil {
		return nil
	}
	return c.Ask(c, permission, patterns, alwaysPatterns, metadata)
}

// Result is what a tool returns to the model.
type Result struct {
	Title       string
	Output      string
	Metadata    map[string]any
	Attachments []Attachment
}

// Attachment is a non-text artifact produced by a tool, persisted as a
// sibling file part.
type Attachment struct {
	MIME string
	Name string
	Data []byte
}

func (r *Result) setMetadata(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// Tool is the registry-facing contract.
type Tool interface {
	ID() string
	Description() string
	Schema() json.RawMessage
	AutoTruncate() bool
	Execute(ctx *Context, params json.RawMessage) (*Result, error)
}

// ValidationError reports arguments that did not match the tool's
// schema. It is routed back to the model so it can self-correct.
type ValidationError struct {
	ToolID string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.ToolID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Def declares a typed tool. Params must be a struct; its JSON schema
// is generated by reflection and arguments are validated against it
// before Run is called.
type Def[P any] struct {
	ID           string
	Description  string
	AutoTruncate bool
	Run          func(ctx *Context, params P) (*Result, error)
}

type typedTool[P any] struct {
	def       Def[P]
	schema    json.RawMessage
	validator *schemavalidate.Schema
}

// New builds a Tool from a Def, generating and compiling the parameter
// schema once. It panics on a malformed Params type; tools are declared
// at startup.
func New[P any](def Def[P]) Tool {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero P
	generated := reflector.Reflect(&zero)
	generated.Version = "" // keep the wire schema minimal
	raw, err := json.Marshal(generated)
	if err != nil {
		panic(fmt.Sprintf("tool %s: marshal schema: %v", def.ID, err))
	}
	validator, err := schemavalidate.CompileString(def.ID+".json", string(raw))
	if err != nil {
		panic(fmt.Sprintf("tool %s: compile schema: %v", def.ID, err))
	}
	return &typedTool[P]{def: def, schema: raw, validator: validator}
}

func (t *typedTool[P]) ID() string              { return t.def.ID }
func (t *typedTool[P]) Description() string     { return t.def.Description }
func (t *typedTool[P]) Schema() json.RawMessage { return t.schema }
func (t *typedTool[P]) AutoTruncate() bool      { return t.def.AutoTruncate }

func (t *typedTool[P]) Execute(ctx *Context, params json.RawMessage) (*Result, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var loose any
	if err := json.Unmarshal(params, &loose); err != nil {
		return nil, &ValidationError{ToolID: t.def.ID, Err: err}
	}
	if err := t.validator.Validate(loose); err != nil {
		return nil, &ValidationError{ToolID: t.def.ID, Err: err}
	}
	var typed P
	if err := json.Unmarshal(params, &typed); err != nil {
		return nil, &ValidationError{ToolID: t.def.ID, Err: err}
	}
	return t.def.Run(ctx, typed)
}
