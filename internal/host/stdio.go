package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
)

// StdioServer serves one inbound client over NDJSON on a reader/writer
// pair, normally the process's stdin and stdout.
type StdioServer struct {
	router *Router
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger
	sess   *Session

	writeMu sync.Mutex
}

// NewStdioServer creates a stdio server with its own session.
func NewStdioServer(router *Router, r io.Reader, w io.Writer, logger *slog.Logger) *StdioServer {
	return &StdioServer{
		router: router,
		reader: bufio.NewReader(r),
		writer: w,
		logger: log.WithComponent(logger, "host-stdio"),
		sess:   NewSession(),
	}
}

// Session returns the session of the connected client.
func (s *StdioServer) Session() *Session { return s.sess }

type readResult struct {
	line []byte
	err  error
}

// Run serves requests until EOF or ctx is cancelled. Tool calls run
// concurrently; everything else is handled in arrival order.
func (s *StdioServer) Run(ctx context.Context) error {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	changed := make(chan struct{}, 1)
	stopWatch := s.router.registry.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stopWatch()

	lines := make(chan readResult)
	go func() {
		defer close(lines)
		for {
			line, err := s.reader.ReadBytes('\n')
			select {
			case lines <- readResult{line, err}:
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-changed:
			if s.sess.Initialized() {
				s.notify(mcp.NotificationToolsListChanged)
			}

		case r, ok := <-lines:
			if !ok {
				return nil
			}
			if line := bytes.TrimSpace(r.line); len(line) > 0 {
				s.handleLine(ctx, line, &inflight)
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					s.logger.Info("client closed connection", log.SessionKey, s.sess.ID)
					return nil
				}
				return fmt.Errorf("read request: %w", r.err)
			}
		}
	}
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte, inflight *sync.WaitGroup) {
	var msg mcp.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Debug("dropping malformed message", "error", err, log.SessionKey, s.sess.ID)
		return
	}

	if msg.Method == mcp.MethodToolsCall && msg.IsRequest() {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.reply(s.router.Handle(ctx, s.sess, &msg))
		}()
		return
	}
	s.reply(s.router.Handle(ctx, s.sess, &msg))
}

func (s *StdioServer) reply(msg *mcp.Message) {
	if msg == nil {
		return
	}
	if err := s.send(msg); err != nil {
		s.logger.Warn("failed to write response", "error", err, log.SessionKey, s.sess.ID)
	}
}

func (s *StdioServer) notify(method string) {
	msg, err := mcp.NewNotification(method, nil)
	if err != nil {
		return
	}
	if err := s.send(msg); err != nil {
		s.logger.Warn("failed to write notification", log.MethodKey, method, "error", err)
	}
}

func (s *StdioServer) send(msg *mcp.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
