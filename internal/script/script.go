// Package script parses and validates command documents: ordered lists of
// protocol commands produced by hand or by a generator. Parsing is
// all-or-nothing: a malformed document is rejected before any command can
// execute.
package script

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// ErrParse is the sentinel wrapped by ParseError.
var ErrParse = errors.New("script parse error")

// ParseError reports a malformed command document.
type ParseError struct {
	Reason string
	Step   int // 1-based command ordinal, 0 when the document itself is bad
}

func (e *ParseError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("parsing script: command %d: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("parsing script: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// Script is one parsed command document.
type Script struct {
	Name        string
	Description string
	Commands    []Command
}

// Command is one protocol call within a script. Immutable once parsed.
type Command struct {
	Method      string
	Description string
	Op          Op
}

// Op is the typed form of a command. High-frequency methods get dedicated
// variants; everything else flows through Raw.
type Op interface {
	op()
}

// NavigateOp navigates the page and waits for load-complete.
type NavigateOp struct {
	URL string
}

// EvaluateOp executes a script expression in page context.
type EvaluateOp struct {
	Expression string
}

// ScreenshotOp captures a verified screenshot, optionally to a caller-chosen
// path.
type ScreenshotOp struct {
	Path   string
	Format string
}

// RawOp carries an arbitrary protocol method and its parameter bag.
type RawOp struct {
	Params json.RawMessage
}

func (NavigateOp) op()   {}
func (EvaluateOp) op()   {}
func (ScreenshotOp) op() {}
func (RawOp) op()        {}

// Wire-format document.
type document struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	CdpCommands []wireCommand `json:"cdp_commands"`
}

type wireCommand struct {
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params"`
	Description string          `json:"description"`
}

// Parse reads a command document from raw JSON. Any structural problem
// (invalid JSON, missing method, non-object params, an empty command list,
// malformed typed parameters for a known method) fails the whole document.
func Parse(data []byte) (*Script, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	// Trailing garbage after the document is also a malformed document.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, &ParseError{Reason: "trailing data after document"}
	}

	if doc.Name == "" {
		return nil, &ParseError{Reason: "missing script name"}
	}
	if len(doc.CdpCommands) == 0 {
		return nil, &ParseError{Reason: "script has no commands"}
	}

	s := &Script{
		Name:        doc.Name,
		Description: doc.Description,
		Commands:    make([]Command, 0, len(doc.CdpCommands)),
	}

	for i, wc := range doc.CdpCommands {
		step := i + 1
		if wc.Method == "" {
			return nil, &ParseError{Reason: "missing method", Step: step}
		}
		if len(wc.Params) > 0 && !isJSONObject(wc.Params) {
			return nil, &ParseError{Reason: "params must be an object", Step: step}
		}

		op, err := typedOp(wc.Method, wc.Params)
		if err != nil {
			return nil, &ParseError{Reason: err.Error(), Step: step}
		}

		s.Commands = append(s.Commands, Command{
			Method:      wc.Method,
			Description: wc.Description,
			Op:          op,
		})
	}

	return s, nil
}

// Load reads and parses a command document from a file.
func Load(fs afero.Fs, path string) (*Script, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return Parse(data)
}

// typedOp maps known high-frequency methods to typed variants and everything
// else to Raw.
func typedOp(method string, params json.RawMessage) (Op, error) {
	switch method {
	case "Page.navigate":
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(orEmpty(params), &p); err != nil {
			return nil, fmt.Errorf("invalid %s params: %v", method, err)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("%s requires a url", method)
		}
		return NavigateOp{URL: p.URL}, nil

	case "Runtime.evaluate":
		var p struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(orEmpty(params), &p); err != nil {
			return nil, fmt.Errorf("invalid %s params: %v", method, err)
		}
		if p.Expression == "" {
			return nil, fmt.Errorf("%s requires an expression", method)
		}
		return EvaluateOp{Expression: p.Expression}, nil

	case "Page.captureScreenshot":
		var p struct {
			Path   string `json:"path"`
			Format string `json:"format"`
		}
		if err := json.Unmarshal(orEmpty(params), &p); err != nil {
			return nil, fmt.Errorf("invalid %s params: %v", method, err)
		}
		return ScreenshotOp{Path: p.Path, Format: p.Format}, nil

	default:
		return RawOp{Params: params}, nil
	}
}

func orEmpty(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return json.RawMessage(`{}`)
	}
	return params
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
