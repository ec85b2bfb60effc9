package camera

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// opKind names the hardware operations that bridge a callback to a waiting
// caller. At most one operation of each kind is in flight at a time.
type opKind int

const (
	opOpen opKind = iota
	opConfigure
	opStill
	opClose
)

func (k opKind) String() string {
	switch k {
	case opOpen:
		return "device-open"
	case opConfigure:
		return "session-configure"
	case opStill:
		return "still-capture"
	case opClose:
		return "close"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// result is what a resolved operation produced.
type result struct {
	err error
}

// pending bridges a single hardware callback to a single waiting caller. It
// resolves exactly once: whichever of callback and deadline comes first wins,
// and the loser is discarded. Late callbacks are logged and dropped.
type pending struct {
	kind     opKind
	id       string
	ch       chan result
	resolved atomic.Bool
	logger   *zap.Logger
}

func newPending(kind opKind, id string, logger *zap.Logger) *pending {
	return &pending{
		kind:   kind,
		id:     id,
		ch:     make(chan result, 1),
		logger: logger,
	}
}

// resolve completes the slot. Returns false if the slot was already resolved,
// in which case the result is dropped.
func (p *pending) resolve(res result) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		p.logger.Debug("Late callback ignored",
			zap.Stringer("op", p.kind),
			zap.String("op_id", p.id))
		return false
	}
	p.ch <- res
	return true
}

// await blocks until the slot resolves or the deadline passes. On deadline it
// claims the slot so a late resolve cannot leak into a future operation.
func (p *pending) await(timeout time.Duration) result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		return res
	case <-timer.C:
		if p.resolved.CompareAndSwap(false, true) {
			return result{err: fmt.Errorf("%s: %w", p.kind, errOpTimeout)}
		}
		// The resolver won the race; its value is in the buffer.
		return <-p.ch
	}
}
