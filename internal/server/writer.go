package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kstaniek/go-canreader/internal/can"
	"github.com/kstaniek/go-canreader/internal/hub"
	"github.com/kstaniek/go-canreader/internal/metrics"
)

// writeLoop batches queued frames and writes them when the batch is full or
// the flush interval elapses. It returns when the client is closed, ctx is
// done or a write fails.
func (s *Server) writeLoop(ctx context.Context, conn net.Conn, cl *hub.Client) {
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	batch := make([]can.Frame, 0, s.batchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n := len(batch)
		_, err := s.codec.EncodeTo(conn, batch)
		batch = batch[:0]
		if err != nil {
			s.report(fmt.Errorf("%w: %v", ErrConnWrite, err))
			return false
		}
		metrics.AddBridgeTx(n)
		return true
	}
	for {
		select {
		case fr := <-cl.Out:
			batch = append(batch, fr)
			if len(batch) >= s.batchSize && !flush() {
				return
			}
		case <-t.C:
			if !flush() {
				return
			}
		case <-cl.Closed():
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		}
	}
}
