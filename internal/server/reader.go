package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/hub"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
)

// maxCommandLine bounds a single subscription line.
const maxCommandLine = 4096

// startReader consumes client command lines. Each line replaces the client's
// subscription. The deadline only wakes the loop to observe shutdown.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, sub *subscription, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close(); cl.Close() }()
		br := bufio.NewReaderSize(conn, maxCommandLine)
		var partial []byte
		for {
			select {
			case <-ctxDone:
				return
			case <-cl.Closed:
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			line, err := br.ReadSlice('\n')
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					// keep what arrived before the deadline
					if len(partial)+len(line) > maxCommandLine {
						partial = partial[:0]
					} else {
						partial = append(partial, line...)
					}
					continue
				}
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if errors.Is(err, bufio.ErrBufferFull) {
					partial = partial[:0]
					logger.Warn("client_command_too_long")
					// discard the rest of the line
					for errors.Is(err, bufio.ErrBufferFull) {
						_, err = br.ReadSlice('\n')
					}
					if err == nil {
						continue
					}
					return
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if len(partial) > 0 {
				line = append(partial, line...)
				partial = partial[:0]
			}
			names := parseSubscription(string(line))
			sub.set(names)
			logger.Debug("client_subscribe", "messages", len(names))
		}
	}()
}
