package catalog

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"seismon/internal/model"
)

// Runner abstracts command execution so the catalog can be tested without a
// slinktool binary.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
}

type OSRunner struct{}

func (OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %s", err.Error(), msg)
		}
		return "", err
	}
	return stdout.String(), nil
}

// Source returns the full channel listing of a server.
type Source interface {
	Query(ctx context.Context) ([]model.ChannelRecord, error)
}

// CommandSource runs `slinktool -Q <server>`.
type CommandSource struct {
	Runner  Runner
	Binary  string
	Server  string
	Grace   time.Duration
	Timeout time.Duration
	Now     func() time.Time
}

func (s CommandSource) Query(ctx context.Context) ([]model.ChannelRecord, error) {
	runner := s.Runner
	if runner == nil {
		runner = OSRunner{}
	}
	bin := s.Binary
	if bin == "" {
		bin = "slinktool"
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	out, err := runner.Output(ctx, bin, "-Q", s.Server)
	if err != nil {
		return nil, fmt.Errorf("%s -Q %s: %w", bin, s.Server, err)
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	records, bad := ParseOutput(strings.NewReader(out), now, grace)
	if len(records) == 0 && len(bad) > 0 {
		return nil, fmt.Errorf("%s -Q %s: no parseable lines: %w", bin, s.Server, bad[0])
	}
	return records, nil
}
