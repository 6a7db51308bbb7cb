package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"seismon/internal/config"
	"seismon/internal/model"
)

// TCP speaks the line protocol: the client sends "SELECT NET.STA.LOC.CHA" and
// the server answers with one packet line per block.
type TCP struct {
	cfg    config.TCPConfig
	logger *slog.Logger
}

func NewTCP(cfg config.TCPConfig, logger *slog.Logger) *TCP {
	return &TCP{cfg: cfg, logger: logger}
}

func (t *TCP) Name() string {
	return "tcp"
}

func (t *TCP) Subscribe(ctx context.Context, key model.StreamKey, h Handler) error {
	timeout := t.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return transportErr("tcp dial "+t.cfg.Addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := fmt.Fprintf(conn, "SELECT %s\n", key); err != nil {
		return transportErr("tcp select", err)
	}
	if t.logger != nil {
		t.logger.Debug("tcp subscription open", "stream", key.String(), "addr", t.cfg.Addr)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		blk, ok, err := ParseLine(scanner.Text())
		if err != nil {
			h.HandleError(key, err)
			continue
		}
		if !ok || blk.Key != key {
			continue
		}
		h.HandleBlock(blk)
	}
	if ctx.Err() != nil {
		return nil
	}
	return transportErr("tcp "+t.cfg.Addr, scanner.Err())
}

// Server exposes a Broker over the TCP line protocol.
type Server struct {
	ln     net.Listener
	broker *Broker
	logger *slog.Logger
	wg     sync.WaitGroup
}

func StartTCPServer(ctx context.Context, addr string, broker *Broker, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, broker: broker, logger: logger}
	if logger != nil {
		logger.Info("tcp feed server listening", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp feed accept error", "err", err)
				}
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(ctx, conn)
			}()
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Wait blocks until the listener and every connection handler have exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	if !strings.EqualFold(verb, "SELECT") {
		_, _ = fmt.Fprintf(conn, "ERROR unknown command %q\n", verb)
		return
	}
	key, err := model.ParseStreamKey(arg)
	if err != nil {
		_, _ = fmt.Fprintf(conn, "ERROR %v\n", err)
		return
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// any further read result means the client went away
		_, _ = reader.ReadByte()
		cancel()
	}()
	w := &lineWriter{conn: conn, cancel: cancel}
	_ = s.broker.Subscribe(connCtx, key, w)
	if s.logger != nil {
		s.logger.Debug("tcp feed client done", "stream", key.String(), "remote", conn.RemoteAddr().String())
	}
}

type lineWriter struct {
	conn   net.Conn
	cancel context.CancelFunc
}

func (w *lineWriter) HandleBlock(b model.Block) {
	if _, err := fmt.Fprintln(w.conn, FormatLine(b)); err != nil {
		w.cancel()
	}
}

func (w *lineWriter) HandleError(model.StreamKey, error) {}
