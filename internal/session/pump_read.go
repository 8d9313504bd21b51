package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	readDeadline = 60 * time.Second
)

// ReadLoop blocks reading frames off the connection until it closes or a
// terminal error occurs. Every decoded text frame is handed to onMessage
// under a RequestTimeout deadline; onMessage reports whether the session
// should close.
func (s *Session) ReadLoop(ctx context.Context, requestTimeout time.Duration) {
	defer s.OnClose(ctx)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			s.logger.Warn().Err(err).Msg("set read deadline")
			return
		}

		raw, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Debug().Err(err).Msg("read client data")
			}
			return
		}

		switch op {
		case ws.OpClose:
			return
		case ws.OpPing, ws.OpPong:
			continue
		case ws.OpText, ws.OpBinary:
			if s.limiter != nil && !s.limiter.Allow() {
				s.logger.Debug().Msg("drop frame over rate limit")
				continue
			}
			s.handleFrame(ctx, raw, requestTimeout)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte, requestTimeout time.Duration) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	shouldClose := s.OnMessage(reqCtx, raw)
	if shouldClose {
		_ = s.conn.Close()
	}
}
