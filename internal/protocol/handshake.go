package protocol

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
)

// handshakeCall is the shared outcome of one in-flight handshake
type handshakeCall struct {
	done  chan struct{}
	err   error
	timer *time.Timer
}

// ensureHandshake returns once the session has a fresh stamp. Concurrent
// callers on a stale session share a single handshake datagram.
func (e *Engine) ensureHandshake(ctx context.Context, s *DeviceSession) error {
	s.mu.Lock()
	if s.freshLocked(e.now(), e.cfg.StampTTL) {
		s.mu.Unlock()
		return nil
	}

	hc := s.handshake
	start := hc == nil
	if start {
		hc = &handshakeCall{done: make(chan struct{})}
		hc.timer = time.AfterFunc(e.cfg.HandshakeTimeout, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.handshake == hc {
				log.Debug().Str("address", s.Address).Msg("handshake timed out")
			}
			finishHandshakeLocked(s, hc, ErrHandshakeTimeout)
		})
		s.handshake = hc
	}
	s.mu.Unlock()

	if start {
		packet := miio.HandshakePacket()
		log.Trace().Str("address", s.Address).Msg("-> handshake")
		e.tracePacket(DirectionOut, s.Address, packet)
		if err := e.transport.SendTo(ctx, s.Address, packet); err != nil {
			s.mu.Lock()
			finishHandshakeLocked(s, hc, &TransportError{Address: s.Address, Err: err})
			s.mu.Unlock()
		}
	}

	select {
	case <-hc.done:
		return hc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishHandshakeLocked settles hc for every waiter. s.mu must be held.
func finishHandshakeLocked(s *DeviceSession, hc *handshakeCall, err error) {
	if hc == nil || s.handshake != hc {
		return
	}
	s.handshake = nil
	hc.timer.Stop()
	hc.err = err
	close(hc.done)
}
