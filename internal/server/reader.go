package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

// readLoop decodes client frames and sends them on the bus. Send failures
// (adapter disconnected, queue full) drop the frame and keep the client.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	onFrame := func(fr can.Frame) {
		metrics.IncBridgeRx()
		if err := s.send(fr); err != nil {
			s.totalSendErrors.Add(1)
			logger.Debug("bridge_send_error", "frame", fr.String(), "error", err)
		}
	}
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		_, err := s.codec.DecodeN(conn, readBatch, onFrame)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue // idle client
		}
		wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
		s.report(wrap)
		logger.Warn("client_read_error", "error", err)
		return
	}
}
