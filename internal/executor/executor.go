// Package executor runs parsed command scripts against a live page, one
// command at a time, and produces an execution report.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pkeller/steersman/internal/capture"
	"github.com/pkeller/steersman/internal/script"
)

// Status classifies the outcome of one command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ErrorPolicy decides what happens to the rest of a script after a command
// fails.
type ErrorPolicy int

const (
	// Abort stops the run; remaining commands are reported as skipped.
	Abort ErrorPolicy = iota
	// Continue keeps executing subsequent commands.
	Continue
)

// Duration is a wall-clock interval with a stable wire form.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	dd := time.Duration(d)
	return json.Marshal(struct {
		Secs  int64 `json:"secs"`
		Nanos int64 `json:"nanos"`
	}{
		Secs:  int64(dd / time.Second),
		Nanos: int64(dd % time.Second),
	})
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var w struct {
		Secs  int64 `json:"secs"`
		Nanos int64 `json:"nanos"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = Duration(time.Duration(w.Secs)*time.Second + time.Duration(w.Nanos))
	return nil
}

// CommandResult records one command's outcome. Never mutated after the
// command resolves.
type CommandResult struct {
	Step      int             `json:"step"`
	Method    string          `json:"method"`
	Status    Status          `json:"status"`
	Duration  Duration        `json:"duration"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	SavedFile string          `json:"saved_file,omitempty"`
}

// Report aggregates one script run. successful + failed + skipped always
// equals total_commands.
type Report struct {
	ScriptName    string          `json:"script_name"`
	TotalCommands int             `json:"total_commands"`
	Successful    int             `json:"successful"`
	Failed        int             `json:"failed"`
	Skipped       int             `json:"skipped"`
	TotalDuration Duration        `json:"total_duration"`
	Results       []CommandResult `json:"results"`
}

// Target is the surface the executor drives. *PageTarget is the production
// implementation; tests substitute fakes.
type Target interface {
	Navigate(ctx context.Context, url string) error
	Eval(ctx context.Context, expression string) (interface{}, error)
	ScreenshotToFile(ctx context.Context, path string) (*capture.ScreenshotInfo, error)
	Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// StepFunc observes each settled command. Used by the recorder to capture a
// frame per action.
type StepFunc func(ctx context.Context, cmd script.Command, res CommandResult)

// Options tune one run.
type Options struct {
	OnError   ErrorPolicy
	AfterStep StepFunc
	Logger    logrus.FieldLogger
}

// Executor runs scripts command by command. Safe for reuse across runs but
// not for concurrent runs against the same target.
type Executor struct {
	log logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Executor {
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		log = logger
	}
	return &Executor{log: log}
}

// Run executes every command of s in order against target. A failed command
// either aborts the run (default) or is recorded and passed over, per
// opts.OnError. Context cancellation is honored between commands; commands
// not reached are reported as skipped. Run never returns a partial report:
// every command of the script appears in the result list exactly once.
func (e *Executor) Run(ctx context.Context, target Target, s *script.Script, opts Options) *Report {
	report := &Report{
		ScriptName:    s.Name,
		TotalCommands: len(s.Commands),
		Results:       make([]CommandResult, 0, len(s.Commands)),
	}

	start := time.Now()
	aborted := false

	for i, cmd := range s.Commands {
		step := i + 1

		if aborted || ctx.Err() != nil {
			res := CommandResult{Step: step, Method: cmd.Method, Status: StatusSkipped}
			report.Skipped++
			report.Results = append(report.Results, res)
			continue
		}

		e.log.WithFields(logrus.Fields{
			"step":   step,
			"method": cmd.Method,
		}).Debug("executing command")

		res := e.execute(ctx, target, step, cmd)
		report.Results = append(report.Results, res)

		switch res.Status {
		case StatusSuccess:
			report.Successful++
		case StatusFailed:
			report.Failed++
			e.log.WithFields(logrus.Fields{
				"step":   step,
				"method": cmd.Method,
				"error":  res.Error,
			}).Warn("command failed")
			if opts.OnError == Abort {
				aborted = true
			}
		}

		if opts.AfterStep != nil {
			opts.AfterStep(ctx, cmd, res)
		}
	}

	report.TotalDuration = Duration(time.Since(start))
	return report
}

func (e *Executor) execute(ctx context.Context, target Target, step int, cmd script.Command) CommandResult {
	res := CommandResult{Step: step, Method: cmd.Method}
	start := time.Now()

	var response json.RawMessage
	var err error

	switch op := cmd.Op.(type) {
	case script.NavigateOp:
		err = target.Navigate(ctx, op.URL)

	case script.EvaluateOp:
		var value interface{}
		value, err = target.Eval(ctx, op.Expression)
		if err == nil {
			response, err = json.Marshal(value)
		}

	case script.ScreenshotOp:
		path := op.Path
		if path == "" {
			path = fmt.Sprintf("screenshot-%d.png", time.Now().UnixMilli())
		}
		var info *capture.ScreenshotInfo
		info, err = target.ScreenshotToFile(ctx, path)
		if err == nil {
			res.SavedFile = info.Path
			response, err = json.Marshal(info)
		}

	case script.RawOp:
		response, err = target.Dispatch(ctx, cmd.Method, op.Params)

	default:
		err = fmt.Errorf("unsupported command variant %T", cmd.Op)
	}

	res.Duration = Duration(time.Since(start))
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StatusSuccess
	res.Response = response
	return res
}
