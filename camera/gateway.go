package camera

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shichao402/HelloKnightRemoteCam-sub002/hardware"
)

// deviceGateway owns the camera device handle. A single permit bounds open
// and close: it is taken on the caller's goroutine before the hardware call
// and handed back only inside completion callbacks, so a second open cannot
// start while the first is still settling.
//
// Fields below the permit are owned by the worker goroutine; callers touch
// them only through post/exec.
type deviceGateway struct {
	backend hardware.Backend
	logger  *zap.Logger
	post    func(func()) bool
	exec    func(func()) error

	openTimeout  time.Duration
	closeTimeout time.Duration

	permit chan struct{}

	// worker-owned
	device       hardware.Device
	permitHeld   bool
	poisoned     bool
	pendingOpen  *pending
	pendingClose *pending
	onLost       func(error)
}

func newDeviceGateway(backend hardware.Backend, post func(func()) bool, exec func(func()) error,
	openTimeout, closeTimeout time.Duration, onLost func(error), logger *zap.Logger) *deviceGateway {
	return &deviceGateway{
		backend:      backend,
		logger:       logger,
		post:         post,
		exec:         exec,
		openTimeout:  openTimeout,
		closeTimeout: closeTimeout,
		permit:       make(chan struct{}, 1),
		onLost:       onLost,
	}
}

// Open acquires the device. It blocks the caller until the hardware confirms,
// fails, or the deadline passes; all causes collapse to the boolean.
func (g *deviceGateway) Open(deviceID string) bool {
	select {
	case g.permit <- struct{}{}:
	case <-time.After(g.openTimeout):
		g.logger.Error("Device busy, open permit not acquired", zap.String("device", deviceID))
		return false
	}

	p := newPending(opOpen, uuid.NewString(), g.logger)
	if err := g.exec(func() {
		g.permitHeld = true
		g.poisoned = false
		g.pendingOpen = p
	}); err != nil {
		<-g.permit
		return false
	}

	events := hardware.DeviceEvents{
		Opened: func(d hardware.Device) {
			g.post(func() { g.handleOpened(d) })
		},
		Disconnected: func(err error) {
			g.post(func() { g.handleDisconnected(err) })
		},
		Failed: func(err error) {
			g.post(func() { g.handleOpenFailed(err) })
		},
	}
	if err := g.backend.Open(deviceID, events); err != nil {
		// Rejected at submission: no callback will ever fire.
		g.logger.Error("Device open rejected", zap.String("device", deviceID), zap.Error(err))
		_ = g.exec(func() {
			g.pendingOpen = nil
			g.releasePermit()
		})
		return false
	}

	res := p.await(g.openTimeout)
	if res.err != nil {
		g.logger.Error("Device open failed", zap.String("device", deviceID), zap.Error(res.err))
		if errors.Is(res.err, errOpTimeout) {
			// The callback never arrived. The permit stays held and the
			// handle is unusable until the next full dispose cycle.
			_ = g.exec(func() {
				g.poisoned = true
				g.pendingOpen = nil
			})
		}
		return false
	}

	g.logger.Info("Device opened", zap.String("device", deviceID))
	return true
}

// Close releases the device handle, waiting up to the close timeout for the
// hardware confirmation. Best effort: on timeout it logs and moves on.
func (g *deviceGateway) Close() {
	var dev hardware.Device
	_ = g.exec(func() { dev = g.device })
	if dev == nil {
		// Nothing open. Clear a permit stranded by a poisoned open so the
		// next cycle starts clean.
		_ = g.exec(func() {
			g.poisoned = false
			g.releasePermit()
		})
		return
	}

	select {
	case g.permit <- struct{}{}:
	case <-time.After(g.closeTimeout):
		g.logger.Warn("Close permit not acquired in time, closing anyway")
	}

	p := newPending(opClose, uuid.NewString(), g.logger)
	_ = g.exec(func() {
		g.permitHeld = true
		g.pendingClose = p
		g.device = nil
	})

	err := dev.Close(func() {
		g.post(func() { g.handleClosed() })
	})
	if err != nil {
		g.logger.Warn("Device close rejected", zap.Error(err))
		_ = g.exec(func() {
			g.pendingClose = nil
			g.releasePermit()
		})
		return
	}

	if res := p.await(g.closeTimeout); res.err != nil {
		g.logger.Warn("Device close not confirmed, proceeding", zap.Error(res.err))
		_ = g.exec(func() {
			g.pendingClose = nil
			g.releasePermit()
		})
		return
	}
	g.logger.Info("Device closed")
}

// Device returns the open handle. Worker context only.
func (g *deviceGateway) Device() hardware.Device {
	return g.device
}

// handleOpened runs on the worker when the hardware confirms an open.
func (g *deviceGateway) handleOpened(d hardware.Device) {
	if g.poisoned {
		// The caller already gave up on this open. Shed the handle so the
		// hardware is not left acquired behind our back.
		g.logger.Warn("Late open confirmation, closing device", zap.String("device", d.ID()))
		g.releasePermit()
		g.poisoned = false
		_ = d.Close(func() {})
		return
	}
	g.device = d
	g.releasePermit()
	if g.pendingOpen != nil {
		g.pendingOpen.resolve(result{})
		g.pendingOpen = nil
	}
}

// handleOpenFailed runs on the worker when an open fails. The cause is
// recorded here only; callers see a boolean.
func (g *deviceGateway) handleOpenFailed(err error) {
	g.logger.Error("Device reported error", zap.Error(err))
	g.releasePermit()
	if g.pendingOpen != nil {
		g.pendingOpen.resolve(result{err: err})
		g.pendingOpen = nil
	}
}

// handleDisconnected runs on the worker. Disconnection can substitute for the
// open confirmation or arrive at any later point.
func (g *deviceGateway) handleDisconnected(err error) {
	g.releasePermit()
	if g.pendingOpen != nil {
		g.pendingOpen.resolve(result{err: err})
		g.pendingOpen = nil
		return
	}
	if g.device == nil {
		return
	}
	g.logger.Error("Device disconnected", zap.Error(err))
	g.device = nil
	if g.onLost != nil {
		g.onLost(err)
	}
}

// handleClosed runs on the worker when the hardware confirms a close.
func (g *deviceGateway) handleClosed() {
	g.releasePermit()
	if g.pendingClose != nil {
		g.pendingClose.resolve(result{})
		g.pendingClose = nil
	}
}

// releasePermit drains the permit if this gateway holds it. Worker context
// only; the single-permit invariant depends on all releases being serialized
// here.
func (g *deviceGateway) releasePermit() {
	if !g.permitHeld {
		return
	}
	g.permitHeld = false
	select {
	case <-g.permit:
	default:
	}
}
