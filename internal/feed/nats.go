package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"seismon/internal/config"
	"seismon/internal/model"
)

// Subject maps a stream onto prefix.NET.STA.LOC.CHA; an empty location is
// written "--" so the subject has no empty token.
func Subject(prefix string, key model.StreamKey) string {
	loc := key.Location
	if loc == "" {
		loc = "--"
	}
	return prefix + "." + key.Network + "." + key.Station + "." + loc + "." + key.Channel
}

type NATS struct {
	cfg    config.NATSConfig
	logger *slog.Logger
}

func NewNATS(cfg config.NATSConfig, logger *slog.Logger) *NATS {
	return &NATS{cfg: cfg, logger: logger}
}

func (n *NATS) Name() string {
	return "nats"
}

func (n *NATS) connect(closed func()) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}
	if n.cfg.ClientName != "" {
		opts = append(opts, nats.Name(n.cfg.ClientName))
	}
	if closed != nil {
		opts = append(opts, nats.ClosedHandler(func(*nats.Conn) { closed() }))
	}
	return nats.Connect(n.cfg.URL, opts...)
}

func (n *NATS) Subscribe(ctx context.Context, key model.StreamKey, h Handler) error {
	done := make(chan struct{})
	var once sync.Once
	nc, err := n.connect(func() { once.Do(func() { close(done) }) })
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return transportErr("nats connect "+n.cfg.URL, err)
	}
	defer nc.Close()

	subject := Subject(n.cfg.SubjectPrefix, key)
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		blk, ok, err := ParseLine(string(m.Data))
		if err != nil {
			h.HandleError(key, err)
			return
		}
		if ok && blk.Key == key {
			h.HandleBlock(blk)
		}
	})
	if err != nil {
		return transportErr("nats subscribe "+subject, err)
	}
	if n.logger != nil {
		n.logger.Debug("nats subscription open", "subject", subject)
	}
	select {
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return nil
	case <-done:
		return transportErr("nats "+subject, nc.LastError())
	}
}

type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(cfg config.NATSConfig) (*NATSPublisher, error) {
	nc, err := (&NATS{cfg: cfg}).connect(nil)
	if err != nil {
		return nil, transportErr("nats connect "+cfg.URL, err)
	}
	return &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, blk model.Block) error {
	if err := p.nc.Publish(Subject(p.prefix, blk.Key), []byte(FormatLine(blk))); err != nil {
		return transportErr("nats publish", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
