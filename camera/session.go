package camera

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

// sessionMode names the two valid output-target sets. A capture session binds
// its targets immutably, so switching modes always means tearing the session
// down and configuring a replacement.
type sessionMode int

const (
	modePreviewOnly sessionMode = iota
	modePreviewRecord
)

func (m sessionMode) String() string {
	switch m {
	case modePreviewOnly:
		return "preview-only"
	case modePreviewRecord:
		return "preview+record"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// sessionState tracks where the controller is in the device/session
// lifecycle.
type sessionState int

const (
	stateClosed sessionState = iota
	stateOpening
	stateConfiguring
	stateActive
	stateClosing
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpening:
		return "opening"
	case stateConfiguring:
		return "configuring"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// targetsForMode maps a session mode to its output-target set. The still
// target is excluded while recording: the hardware cannot keep all three
// sinks attached at once.
func targetsForMode(mode sessionMode, preview, still, record *hardware.Target) []*hardware.Target {
	if mode == modePreviewRecord {
		return []*hardware.Target{preview, record}
	}
	return []*hardware.Target{preview, still}
}

// sessionController owns the capture session and its negotiated target set.
// Mode switches run one reconciliation: stop the preview request, close the
// old session (best effort, bounded), configure the replacement, and resume
// preview once the hardware confirms.
//
// Sessions are identified by a generation counter so callbacks from a
// superseded configuration cannot resolve the wrong pending slot.
type sessionController struct {
	gateway *deviceGateway
	logger  *zap.Logger
	post    func(func()) bool
	exec    func(func()) error

	configureTimeout time.Duration
	closeTimeout     time.Duration

	previewTarget func() *hardware.Target
	stillTarget   func() *hardware.Target

	// worker-owned
	state            sessionState
	mode             sessionMode
	session          hardware.Session
	gen              uint64
	closingGen       uint64
	pendingMode      sessionMode
	pendingConfigure *pending
	pendingClose     *pending
}

func newSessionController(gateway *deviceGateway, previewTarget, stillTarget func() *hardware.Target,
	configureTimeout, closeTimeout time.Duration, post func(func()) bool, exec func(func()) error,
	logger *zap.Logger) *sessionController {
	return &sessionController{
		gateway:          gateway,
		logger:           logger,
		post:             post,
		exec:             exec,
		configureTimeout: configureTimeout,
		closeTimeout:     closeTimeout,
		previewTarget:    previewTarget,
		stillTarget:      stillTarget,
	}
}

// reconfigure brings the session to the desired mode, recreating it when the
// current target set does not match. Record mode always reconfigures: each
// recording arrives with a fresh encoder binding. Blocks the caller until the
// hardware confirms or the deadline passes.
func (c *sessionController) reconfigure(mode sessionMode, record *hardware.Target) bool {
	var (
		dev     hardware.Device
		old     hardware.Session
		settled bool
		targets []*hardware.Target
	)
	if err := c.exec(func() {
		dev = c.gateway.Device()
		old = c.session
		settled = c.state == stateActive && c.mode == mode && mode == modePreviewOnly
		targets = targetsForMode(mode, c.previewTarget(), c.stillTarget(), record)
	}); err != nil {
		return false
	}
	if dev == nil {
		c.logger.Error("Session configuration without an open device", zap.Stringer("mode", mode))
		return false
	}
	if settled {
		return true
	}
	if old != nil {
		c.closeSession(old)
	}
	return c.configure(dev, mode, targets)
}

// closeSession stops the continuous preview request and closes the given
// session, waiting up to the close timeout for the hardware confirmation.
// Best effort: on timeout the switch proceeds with a warning and the late
// confirmation is discarded.
func (c *sessionController) closeSession(old hardware.Session) {
	if err := old.StopRepeating(); err != nil {
		c.logger.Warn("Stopping preview request failed", zap.Error(err))
	}

	p := newPending(opClose, uuid.NewString(), c.logger)
	_ = c.exec(func() {
		c.state = stateClosing
		c.session = nil
		c.closingGen = c.gen
		c.pendingClose = p
	})

	old.Close()

	if res := p.await(c.closeTimeout); res.err != nil {
		c.logger.Warn("Old session close not confirmed, proceeding", zap.Error(res.err))
		_ = c.exec(func() {
			if c.pendingClose == p {
				c.pendingClose = nil
			}
		})
	}
}

// configure submits the new target set and blocks until the hardware confirms
// or rejects it. On success the preview request is resumed on the replacement
// session.
func (c *sessionController) configure(dev hardware.Device, mode sessionMode, targets []*hardware.Target) bool {
	p := newPending(opConfigure, uuid.NewString(), c.logger)
	var gen uint64
	if err := c.exec(func() {
		c.gen++
		gen = c.gen
		c.state = stateConfiguring
		c.pendingMode = mode
		c.pendingConfigure = p
	}); err != nil {
		return false
	}

	events := hardware.SessionEvents{
		Configured: func(s hardware.Session) {
			c.post(func() { c.handleConfigured(gen, s) })
		},
		ConfigureFailed: func(err error) {
			c.post(func() { c.handleConfigureFailed(gen, err) })
		},
		Closed: func() {
			c.post(func() { c.handleSessionClosed(gen) })
		},
	}
	if err := dev.Configure(targets, events); err != nil {
		c.logger.Error("Session configuration rejected",
			zap.Stringer("mode", mode),
			zap.Error(err))
		c.abandonConfigure(p)
		return false
	}

	if res := p.await(c.configureTimeout); res.err != nil {
		c.logger.Error("Session configuration failed",
			zap.Stringer("mode", mode),
			zap.Error(res.err))
		c.abandonConfigure(p)
		return false
	}

	var sess hardware.Session
	_ = c.exec(func() { sess = c.session })
	if sess == nil {
		return false
	}
	if err := sess.SetRepeating(); err != nil {
		c.logger.Warn("Preview request not resumed", zap.Error(err))
	}

	c.logger.Info("Capture session configured",
		zap.Stringer("mode", mode),
		zap.Int("targets", len(targets)))
	return true
}

// abandonConfigure marks a configuration failed, unless something else (a
// callback, device loss) already settled the slot and chose the state.
func (c *sessionController) abandonConfigure(p *pending) {
	_ = c.exec(func() {
		if c.pendingConfigure == p {
			c.pendingConfigure = nil
			c.state = stateFailed
		}
	})
}

// shutdown closes any active session. Mode switches go through reconfigure;
// this is the release path.
func (c *sessionController) shutdown() {
	var old hardware.Session
	if err := c.exec(func() { old = c.session }); err != nil {
		return
	}
	if old != nil {
		c.closeSession(old)
	}
	_ = c.exec(func() {
		c.session = nil
		c.state = stateClosed
		c.mode = modePreviewOnly
	})
}

// handleConfigured runs on the worker when the hardware confirms a session.
func (c *sessionController) handleConfigured(gen uint64, s hardware.Session) {
	if gen != c.gen || c.pendingConfigure == nil {
		// The caller gave up on this configuration or superseded it. The
		// session is live hardware; shed it.
		c.logger.Debug("Stale session confirmation, closing", zap.Uint64("generation", gen))
		s.Close()
		return
	}
	c.session = s
	c.mode = c.pendingMode
	c.state = stateActive
	c.pendingConfigure.resolve(result{})
	c.pendingConfigure = nil
}

// handleConfigureFailed runs on the worker when the hardware rejects a
// session configuration.
func (c *sessionController) handleConfigureFailed(gen uint64, err error) {
	if gen != c.gen || c.pendingConfigure == nil {
		c.logger.Debug("Stale configuration failure ignored",
			zap.Uint64("generation", gen),
			zap.Error(err))
		return
	}
	c.logger.Error("Hardware rejected session configuration", zap.Error(err))
	c.state = stateFailed
	c.pendingConfigure.resolve(result{err: err})
	c.pendingConfigure = nil
}

// handleSessionClosed runs on the worker when the hardware confirms a session
// close. Confirmations for sessions other than the one being awaited are
// dropped.
func (c *sessionController) handleSessionClosed(gen uint64) {
	if c.pendingClose == nil || gen != c.closingGen {
		c.logger.Debug("Unsolicited session close notification", zap.Uint64("generation", gen))
		return
	}
	c.pendingClose.resolve(result{})
	c.pendingClose = nil
	if c.state == stateClosing {
		c.state = stateClosed
	}
}

// handleDeviceLost runs on the worker when the device disconnects. The
// hardware has already invalidated the session; in-flight waiters are failed
// immediately instead of timing out.
func (c *sessionController) handleDeviceLost(err error) {
	c.session = nil
	c.state = stateClosed
	if c.pendingConfigure != nil {
		c.pendingConfigure.resolve(result{err: err})
		c.pendingConfigure = nil
	}
	if c.pendingClose != nil {
		// Disconnection confirms the close.
		c.pendingClose.resolve(result{})
		c.pendingClose = nil
	}
}
