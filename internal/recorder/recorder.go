// Package recorder captures one frame per executed action: a verified
// screenshot plus page metadata, appended to a durable frame log. Frame
// files are write-once; a recording is only ever extended, never rewritten.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/pkeller/steersman/internal/capture"
	"github.com/pkeller/steersman/internal/executor"
	"github.com/pkeller/steersman/internal/script"
)

const frameLogName = "frames.jsonl"

// DOMInfo is the page metadata stored with each frame.
type DOMInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ActionInfo describes the intent behind the recorded action.
type ActionInfo struct {
	Description string `json:"description"`
}

// StepFrame is one recorded action. FrameID and ElapsedMs are strictly
// increasing within a session.
type StepFrame struct {
	FrameID    int                    `json:"frame_id"`
	Timestamp  time.Time              `json:"timestamp"`
	ElapsedMs  int64                  `json:"elapsed_ms"`
	Screenshot capture.ScreenshotInfo `json:"screenshot"`
	DOM        DOMInfo                `json:"dom"`
	Action     ActionInfo             `json:"action"`
}

// Page is the metadata surface the recorder reads after each action.
type Page interface {
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
}

// Snapshotter produces verified screenshot bytes.
type Snapshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Options configure a recording session.
type Options struct {
	Fs     afero.Fs
	Logger logrus.FieldLogger
	Format string // png or jpeg, default png
}

// Recorder writes frames for one session. Safe for concurrent use; frames
// are assigned their ordinal under the lock so ordering is total.
type Recorder struct {
	fs     afero.Fs
	dir    string
	page   Page
	shots  Snapshotter
	log    logrus.FieldLogger
	format string

	mu          sync.Mutex
	start       time.Time
	nextFrame   int
	lastElapsed int64
}

// New opens a recording session rooted at dir, creating the frame directory
// and log. An existing recording at the same path is extended, not replaced;
// New fails if its frame log is present but unreadable.
func New(dir string, page Page, shots Snapshotter, opts Options) (*Recorder, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	log := opts.Logger
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		log = logger
	}
	format := opts.Format
	if format == "" {
		format = "png"
	}

	if err := fs.MkdirAll(filepath.Join(dir, "frames"), 0o755); err != nil {
		return nil, fmt.Errorf("creating recording dir: %w", err)
	}

	r := &Recorder{
		fs:     fs,
		dir:    dir,
		page:   page,
		shots:  shots,
		log:    log,
		format: format,
		start:  time.Now(),
	}

	// Resume past any frames already on disk. A frame log that exists but
	// cannot be read must not be silently restarted: numbering from zero
	// would overwrite write-once frame files.
	frames, err := r.Frames()
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("resuming recording: %w", err)
	}
	if len(frames) > 0 {
		r.nextFrame = len(frames)
		r.lastElapsed = frames[len(frames)-1].ElapsedMs
	}

	return r, nil
}

// RecordStep captures one frame after an action has settled.
func (r *Recorder) RecordStep(ctx context.Context, description string) (*StepFrame, error) {
	image, err := r.shots.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing frame: %w", err)
	}

	url, err := r.page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading page url: %w", err)
	}
	title, err := r.page.Title(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading page title: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	frameID := r.nextFrame
	now := time.Now()
	elapsed := now.Sub(r.start).Milliseconds()
	if elapsed <= r.lastElapsed {
		elapsed = r.lastElapsed + 1
	}

	name := fmt.Sprintf("%04d.%s", frameID, r.format)
	shotPath := filepath.Join(r.dir, "frames", name)
	if err := afero.WriteFile(r.fs, shotPath, image, 0o644); err != nil {
		return nil, fmt.Errorf("writing frame image: %w", err)
	}

	frame := &StepFrame{
		FrameID:   frameID,
		Timestamp: now,
		ElapsedMs: elapsed,
		Screenshot: capture.ScreenshotInfo{
			Path:      shotPath,
			Format:    r.format,
			SizeBytes: int64(len(image)),
		},
		DOM:    DOMInfo{URL: url, Title: title},
		Action: ActionInfo{Description: description},
	}

	if err := r.appendFrame(frame); err != nil {
		return nil, err
	}

	r.nextFrame++
	r.lastElapsed = elapsed

	r.log.WithFields(logrus.Fields{
		"frame":   frameID,
		"elapsed": elapsed,
	}).Debug("recorded frame")

	return frame, nil
}

// AfterStep adapts the recorder to the executor's per-step hook. Failed and
// skipped commands are recorded too so a run's visual history stays aligned
// with its report.
func (r *Recorder) AfterStep() executor.StepFunc {
	return func(ctx context.Context, cmd script.Command, res executor.CommandResult) {
		if res.Status == executor.StatusSkipped {
			return
		}
		desc := cmd.Description
		if desc == "" {
			desc = cmd.Method
		}
		if _, err := r.RecordStep(ctx, desc); err != nil {
			r.log.WithError(err).WithField("step", res.Step).Warn("frame capture failed")
		}
	}
}

// Frames reads back every frame logged so far, in order.
func (r *Recorder) Frames() ([]StepFrame, error) {
	data, err := afero.ReadFile(r.fs, filepath.Join(r.dir, frameLogName))
	if err != nil {
		return nil, err
	}

	var frames []StepFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var f StepFrame
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("reading frame log: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (r *Recorder) appendFrame(frame *StepFrame) error {
	line, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	line = append(line, '\n')

	f, err := r.fs.OpenFile(filepath.Join(r.dir, frameLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening frame log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending frame: %w", err)
	}
	return nil
}
