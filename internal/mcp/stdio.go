package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	mlog "github.com/Bigsy/mcpbridge/internal/log"
)

// maxLineSize bounds a single NDJSON message.
const maxLineSize = 16 * 1024 * 1024

// StdioStream implements Stream over a pair of pipes using NDJSON framing.
type StdioStream struct {
	w      io.WriteCloser
	r      io.ReadCloser
	reader *bufio.Reader
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewStdioStream wraps w (peer's stdin) and r (peer's stdout).
func NewStdioStream(w io.WriteCloser, r io.ReadCloser, logger *slog.Logger) *StdioStream {
	return &StdioStream{
		w:      w,
		r:      r,
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: mlog.OrDiscard(logger),
	}
}

// Send writes msg followed by a newline.
func (s *StdioStream) Send(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.logger.Debug("stdio send", "payload", string(msg))

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

type readResult struct {
	line []byte
	err  error
}

// Receive returns the next non-empty line. Cancelling ctx closes the read
// side to unblock the pending read.
func (s *StdioStream) Receive(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		resultCh := make(chan readResult, 1)
		go func() {
			line, err := s.readLine()
			resultCh <- readResult{line: line, err: err}
		}()

		select {
		case res := <-resultCh:
			if res.err != nil {
				return nil, fmt.Errorf("read line: %w", res.err)
			}
			msg := bytes.TrimSpace(res.line)
			if len(msg) == 0 {
				continue
			}
			s.logger.Debug("stdio recv", "payload", string(msg))
			return msg, nil
		case <-ctx.Done():
			_ = s.r.Close()
			return nil, ctx.Err()
		}
	}
}

func (s *StdioStream) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("message exceeds %d bytes", maxLineSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// Close closes both pipes.
func (s *StdioStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	werr := s.w.Close()
	rerr := s.r.Close()
	if werr != nil {
		return fmt.Errorf("close stdin: %w", werr)
	}
	if rerr != nil {
		return fmt.Errorf("close stdout: %w", rerr)
	}
	return nil
}
