package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
)

// TextValuer is implemented by result types with an obvious plain-text form.
type TextValuer interface {
	TextValue() string
}

// TitleResult et al. are the one-shot command payloads.
type TitleResult struct {
	Title string `json:"title"`
}

type URLResult struct {
	URL string `json:"url"`
}

type TextResult struct {
	Text string `json:"text"`
}

type SourceResult struct {
	HTML string `json:"html"`
}

type EvalResult struct {
	Value interface{} `json:"value"`
}

type NavResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (r TitleResult) TextValue() string  { return r.Title }
func (r URLResult) TextValue() string    { return r.URL }
func (r TextResult) TextValue() string   { return r.Text }
func (r SourceResult) TextValue() string { return r.HTML }
func (r NavResult) TextValue() string    { return r.URL }

func (r EvalResult) TextValue() string {
	if s, ok := r.Value.(string); ok {
		return s
	}
	data, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Sprintf("%v", r.Value)
	}
	return string(data)
}

// emit writes v to stdout in the selected output format.
func (gs *globalState) emit(v interface{}) error {
	switch gs.output {
	case "json":
		enc := json.NewEncoder(gs.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "ndjson":
		return json.NewEncoder(gs.stdout).Encode(v)
	case "text":
		if tv, ok := v.(TextValuer); ok {
			_, err := fmt.Fprintln(gs.stdout, tv.TextValue())
			return err
		}
		enc := json.NewEncoder(gs.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format: %s", gs.output)
	}
}

// progress prints a human status line to stderr unless quiet is set.
func (gs *globalState) progress(format string, args ...interface{}) {
	if gs.quiet {
		return
	}
	fmt.Fprintln(gs.stderr, color.CyanString(format, args...))
}

// success prints a green confirmation line to stderr unless quiet is set.
func (gs *globalState) success(format string, args ...interface{}) {
	if gs.quiet {
		return
	}
	fmt.Fprintln(gs.stderr, color.GreenString(format, args...))
}
