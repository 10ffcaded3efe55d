// Package lsp manages language server processes and their diagnostics.
package lsp

import "fmt"

// Position and Range are zero-based, per the protocol.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// DiagnosticSeverity per the protocol; 1 is Error.
type DiagnosticSeverity int

const (
	SeverityError   DiagnosticSeverity = 1
	SeverityWarning DiagnosticSeverity = 2
	SeverityInfo    DiagnosticSeverity = 3
	SeverityHint    DiagnosticSeverity = 4
)

type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// Render formats a diagnostic the way it is shown to the model:
// one-based line:column, severity, message.
func (d Diagnostic) Render() string {
	sev := "error"
	switch d.Severity {
	case SeverityWarning:
		sev = "warning"
	case SeverityInfo:
		sev = "info"
	case SeverityHint:
		sev = "hint"
	}
	return fmt.Sprintf("%d:%d - %s: %s", d.Range.Start.Line+1, d.Range.Start.Character+1, sev, d.Message)
}

type publishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type versionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type didChangeParams struct {
	TextDocument   versionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []contentChange                 `json:"contentChanges"`
}

// contentChange with no range replaces the whole document.
type contentChange struct {
	Text string `json:"text"`
}

type textDocumentPositionParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type referenceParams struct {
	textDocumentPositionParams
	Context struct {
		IncludeDeclaration bool `json:"includeDeclaration"`
	} `json:"context"`
}

type documentSymbolParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}

type workspaceSymbolParams struct {
	Query string `json:"query"`
}

// DocumentSymbol is the hierarchical symbol shape most servers return.
type DocumentSymbol struct {
	Name     string           `json:"name"`
	Kind     int              `json:"kind"`
	Range    Range            `json:"range"`
	Children []DocumentSymbol `json:"children,omitempty"`
}

// SymbolInformation is the flat workspace/symbol shape.
type SymbolInformation struct {
	Name     string   `json:"name"`
	Kind     int      `json:"kind"`
	Location Location `json:"location"`
}

type initializeParams struct {
	ProcessID             int            `json:"processId"`
	RootURI               string         `json:"rootUri"`
	Capabilities          map[string]any `json:"capabilities"`
	InitializationOptions map[string]any `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []struct {
		URI  string `json:"uri"`
		Name string `json:"name"`
	} `json:"workspaceFolders,omitempty"`
}

type initializeResult struct {
	Capabilities map[string]any `json:"capabilities"`
}
