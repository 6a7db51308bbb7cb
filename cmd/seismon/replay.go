package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"seismon/internal/config"
	"seismon/internal/feed"
	"seismon/internal/logging"
	"seismon/internal/model"
)

// handleReplay publishes a recorded packet file onto the configured transport
// so a session can be exercised without a live server.
func handleReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON config")
	in := fs.String("in", "", "packet file, one block per line")
	speed := fs.Float64("speed", 1, "playback speed; 0 sends as fast as possible")
	loop := fs.Bool("loop", false, "restart from the top at end of file")
	_ = fs.Parse(args)

	if *in == "" {
		return fmt.Errorf("--in is required: %w", model.ErrConfiguration)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, serving, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()
	if err := replayFile(ctx, pub, *in, *speed, *loop, logger); err != nil {
		return err
	}
	if serving {
		logger.Info("replay finished, serving until interrupted")
		<-ctx.Done()
	}
	return nil
}

// newPublisher returns the sending side of the configured feed. For tcp it
// starts a line server backed by an in-process broker and reports serving.
func newPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (feed.Publisher, bool, error) {
	switch strings.ToLower(cfg.Feed.Driver) {
	case "kafka":
		return feed.NewKafkaPublisher(cfg.Feed.Kafka), false, nil
	case "nats":
		pub, err := feed.NewNATSPublisher(cfg.Feed.NATS)
		if err != nil {
			return nil, false, err
		}
		return pub, false, nil
	case "tcp":
		broker := feed.NewBroker(cfg.Session.ChannelBuffer)
		srv, err := feed.StartTCPServer(ctx, cfg.Feed.TCP.Addr, broker, logger)
		if err != nil {
			return nil, false, err
		}
		logger.Info("replay server listening", "addr", srv.Addr())
		return broker, true, nil
	default:
		return nil, false, fmt.Errorf("replay: driver %q has no publisher: %w", cfg.Feed.Driver, model.ErrConfiguration)
	}
}

// replayFile sends every block of path through pub. Block times are rebased
// so the first block of each pass starts now; a live session would trim
// anything older than its window.
func replayFile(ctx context.Context, pub feed.Publisher, path string, speed float64, loop bool, logger *slog.Logger) error {
	for {
		n, err := replayPass(ctx, pub, path, speed, logger)
		if err != nil {
			return err
		}
		logger.Info("replay pass done", "blocks", n, "file", path)
		if !loop || ctx.Err() != nil {
			return nil
		}
	}
}

func replayPass(ctx context.Context, pub feed.Publisher, path string, speed float64, logger *slog.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var (
		shift   time.Duration
		first   = true
		prev    time.Time
		sent    int
		lineNum int
	)
	for scanner.Scan() {
		lineNum++
		blk, ok, err := feed.ParseLine(scanner.Text())
		if err != nil {
			logger.Warn("replay: skipping line", "line", lineNum, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if first {
			shift = time.Now().UTC().Sub(blk.Start)
			prev = blk.Start
			first = false
		}
		if speed > 0 && blk.Start.After(prev) {
			wait := time.Duration(float64(blk.Start.Sub(prev)) / speed)
			if !sleepCtx(ctx, wait) {
				return sent, nil
			}
		}
		if blk.Start.After(prev) {
			prev = blk.Start
		}
		blk.Start = blk.Start.Add(shift)
		if err := pub.Publish(ctx, blk); err != nil {
			if ctx.Err() != nil {
				return sent, nil
			}
			return sent, fmt.Errorf("replay line %d: %w", lineNum, err)
		}
		sent++
	}
	return sent, scanner.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
