package feed

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"seismon/internal/config"
	"seismon/internal/model"
)

// File tails a growing packet file, such as one written by an acquisition
// process, and delivers the blocks of one stream.
type File struct {
	cfg    config.FileConfig
	logger *slog.Logger
}

func NewFile(cfg config.FileConfig, logger *slog.Logger) *File {
	return &File{cfg: cfg, logger: logger}
}

func (f *File) Name() string {
	return "file"
}

// Subscribe returns a transport error when the file cannot be opened or is
// truncated, so Run reopens it after a backoff.
func (f *File) Subscribe(ctx context.Context, key model.StreamKey, h Handler) error {
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		return transportErr("file open", err)
	}
	defer file.Close()

	var offset int64
	if f.cfg.StartAtEnd {
		if pos, err := file.Seek(0, io.SeekEnd); err == nil {
			offset = pos
		}
	}
	poll := f.cfg.Poll
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	reader := bufio.NewReader(file)
	var partial string
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return transportErr("file read", err)
		}
		if errors.Is(err, io.EOF) {
			// keep an unterminated tail until the writer finishes the line
			partial += line
			offset += int64(len(line))
			if !BackoffSleep(ctx, poll) {
				return nil
			}
			if info, statErr := os.Stat(f.cfg.Path); statErr == nil && info.Size() < offset {
				return transportErr("file "+f.cfg.Path, errors.New("truncated"))
			}
			continue
		}
		offset += int64(len(line))
		line = partial + line
		partial = ""
		blk, ok, perr := ParseLine(line)
		if perr != nil {
			h.HandleError(key, perr)
			continue
		}
		if !ok || blk.Key != key {
			continue
		}
		h.HandleBlock(blk)
	}
}
