package session

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	writeDeadline = 10 * time.Second
	pingPeriod    = 30 * time.Second
)

// WriteLoop drains the send channel and writes frames to the connection
// until the channel is closed or a write fails. A write failure is
// logged; it does not stop the read loop, which owns connection
// teardown.
func (s *Session) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	writer := bufio.NewWriter(s.conn)

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				_ = s.writeClose(writer)
				return
			}
			if !s.drainAndWrite(writer, frame) {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("write ping")
				return
			}
		}
	}
}

// drainAndWrite writes frame, then opportunistically drains and writes
// whatever else is already queued before flushing once.
func (s *Session) drainAndWrite(writer *bufio.Writer, frame []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return false
	}
	if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
		s.logger.Debug().Err(err).Msg("write frame")
		return false
	}

	pending := len(s.send)
	for i := 0; i < pending; i++ {
		next := <-s.send
		if err := wsutil.WriteServerMessage(writer, ws.OpText, next); err != nil {
			s.logger.Debug().Err(err).Msg("write queued frame")
			return false
		}
	}

	if err := writer.Flush(); err != nil {
		s.logger.Debug().Err(err).Msg("flush frames")
		return false
	}
	return true
}

func (s *Session) writeClose(writer *bufio.Writer) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := wsutil.WriteServerMessage(writer, ws.OpClose, nil); err != nil {
		return err
	}
	return writer.Flush()
}
