package selection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"seismon/internal/model"
)

// ErrLauncherUnavailable tells Handoff to fall back to the textual transcript.
var ErrLauncherUnavailable = errors.New("launcher unavailable")

// Launcher starts a live session for a selection in this process.
type Launcher interface {
	Launch(ctx context.Context, set *Set) error
}

type LauncherFunc func(ctx context.Context, set *Set) error

func (f LauncherFunc) Launch(ctx context.Context, set *Set) error {
	return f(ctx, set)
}

type Recorder interface {
	Record(kind model.EventKind, station, message string)
}

type HandoffOptions struct {
	// Transcript receives the YAML form when the launcher is unavailable.
	Transcript io.Writer
	Events     Recorder
	Logger     *slog.Logger
}

type Result struct {
	Launched   bool
	Transcript []byte
}

// Handoff starts the selection through launcher, or produces the textual
// transcript when launcher is nil or reports ErrLauncherUnavailable. The
// transcript path is a normal outcome, not an error.
func Handoff(ctx context.Context, set *Set, launcher Launcher, opts HandoffOptions) (Result, error) {
	if set == nil {
		return Result{}, fmt.Errorf("handoff: nil selection: %w", model.ErrConfiguration)
	}
	if launcher != nil {
		err := launcher.Launch(ctx, set)
		if err == nil {
			record(opts, fmt.Sprintf("session started with %d streams", set.Len()))
			return Result{Launched: true}, nil
		}
		if !errors.Is(err, ErrLauncherUnavailable) {
			return Result{}, fmt.Errorf("handoff: %w", err)
		}
		if opts.Logger != nil {
			opts.Logger.Info("launcher unavailable, writing transcript", "err", err)
		}
	}
	text, err := Encode(set)
	if err != nil {
		return Result{}, fmt.Errorf("handoff: encode: %w", err)
	}
	if opts.Transcript != nil {
		if _, err := opts.Transcript.Write(text); err != nil {
			return Result{}, fmt.Errorf("handoff: write transcript: %w", err)
		}
	}
	record(opts, fmt.Sprintf("transcript produced for %d streams", set.Len()))
	return Result{Transcript: text}, nil
}

func record(opts HandoffOptions, msg string) {
	if opts.Logger != nil {
		opts.Logger.Info("selection handoff", "result", msg)
	}
	if opts.Events != nil {
		opts.Events.Record(model.EventHandoff, "", msg)
	}
}
