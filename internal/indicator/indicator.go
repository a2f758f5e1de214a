// Package indicator implements the Indicator State Machine (spec §4.G): a
// pure priority-table function of registration, session, agent and
// voicemail inputs, rendered to a lamp driver with hardware-capability
// adaptation and periodic connection supervision. The lamp-liveness probe
// is a ticker loop like internal/subscribe's retry job, run under an
// errgroup by Start.
package indicator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/hostenv"
	"github.com/kittykatchunks/365connect/internal/lamp"
	"github.com/kittykatchunks/365connect/internal/session"
)

// ProbeInterval is the default connection-supervision period (spec §4.G
// "Connection supervision").
const ProbeInterval = 15 * time.Second

// Engine is the Indicator State Machine. It owns no session/line state of
// its own; it mirrors just enough of each input (registration, per-line
// ringing/hold/active, agent login, voicemail count) to recompute the
// priority table on every relevant bus event.
type Engine struct {
	driver lamp.Driver
	bus    *bus.Bus
	agent  hostenv.AgentSource
	sound  int
	volume int

	mu             sync.Mutex
	in             inputs
	lastApplied    Render
	driverUp       bool
	hardwareBlink  bool
	blinkCancel    context.CancelFunc
	capabilityDone bool
	sessionSource  *session.Manager
}

// New creates an Engine. sound/volume are the configured ring alert
// parameters (spec §6 ringSound/ringVolume). The engine assumes hardware
// blink support until a capability probe (run by Start) says otherwise.
func New(driver lamp.Driver, b *bus.Bus, agent hostenv.AgentSource, sound, volume int) *Engine {
	e := &Engine{
		driver:        driver,
		bus:           b,
		agent:         agent,
		sound:         sound,
		volume:        volume,
		hardwareBlink: true,
		// No render has been applied yet, so the first recompute always
		// drives the lamp, including to Off.
		lastApplied: Render{State: -1},
	}
	e.subscribe()
	return e
}

// registrarStatePayload is satisfied by registrar.StateChangedPayload
// without importing the registrar package, so a registered event's
// payload can be checked directly rather than trusted by topic name.
type registrarStatePayload interface {
	RegistrarState() string
}

func (e *Engine) subscribe() {
	e.bus.Subscribe(bus.TopicRegistered, func(ev bus.Event) {
		// Defend against a future publisher firing this topic for a
		// non-Registered transition: only the payload's actual state
		// decides the indicator's registered input, not the topic name.
		if p, ok := ev.Payload.(registrarStatePayload); ok && p.RegistrarState() != "Registered" {
			return
		}
		e.mu.Lock()
		e.in.registered = true
		e.mu.Unlock()
		e.recomputeAndApply(context.Background())
	})
	e.bus.Subscribe(bus.TopicUnregistered, func(bus.Event) {
		e.mu.Lock()
		e.in.registered = false
		e.mu.Unlock()
		e.recomputeAndApply(context.Background())
	})
	e.bus.Subscribe(bus.TopicRegistrationFailed, func(bus.Event) {
		e.mu.Lock()
		e.in.registered = false
		e.mu.Unlock()
		e.recomputeAndApply(context.Background())
	})

	for _, topic := range []string{
		bus.TopicSessionCreated,
		bus.TopicSessionStateChanged,
		bus.TopicSessionAnswered,
		bus.TopicSessionTerminated,
		bus.TopicSessionHeld,
	} {
		e.bus.Subscribe(topic, func(bus.Event) {
			e.recomputeFromLineState()
			e.recomputeAndApply(context.Background())
		})
	}

	e.bus.Subscribe(bus.TopicAgentStateChanged, func(ev bus.Event) {
		p, ok := ev.Payload.(hostenv.AgentState)
		if !ok {
			return
		}
		e.mu.Lock()
		e.in.agentLoggedIn = p.LoggedIn
		if p.VoicemailMessages >= 0 {
			e.in.voicemailCount = p.VoicemailMessages
		}
		e.mu.Unlock()
		e.recomputeAndApply(context.Background())
	})
	e.bus.Subscribe(bus.TopicVoicemailCountChanged, func(ev bus.Event) {
		count, ok := ev.Payload.(int)
		if !ok {
			return
		}
		e.mu.Lock()
		e.in.voicemailCount = count
		e.mu.Unlock()
		e.recomputeAndApply(context.Background())
	})
}

// lineState is the narrow view the indicator needs from the Session
// Store/Line Key Manager. A caller wires ObserveSessions to supply it
// since the Engine has no direct reference to either component (it only
// reacts to their published events).
type lineState struct {
	anyRinging bool
	anyHeld    bool
	anyActive  bool
}

// ObserveSessions wires the Engine to a live Session Store so it can
// recompute Ringing/Hold/Active directly from session state rather than
// needing each event payload to carry a full snapshot.
func (e *Engine) ObserveSessions(mgr *session.Manager) {
	e.mu.Lock()
	e.sessionSource = mgr
	e.mu.Unlock()
}

func (e *Engine) recomputeFromLineState() {
	e.mu.Lock()
	mgr := e.sessionSource
	e.mu.Unlock()
	if mgr == nil {
		return
	}
	var st lineState
	for _, s := range mgr.All() {
		switch {
		case s.State() == session.StateEstablishing && s.Direction == session.DirectionInbound:
			st.anyRinging = true
		case s.State() == session.StateEstablished && s.OnHold():
			st.anyHeld = true
		case s.State() == session.StateEstablished:
			st.anyActive = true
		}
	}
	e.mu.Lock()
	e.in.anyRinging = st.anyRinging
	e.in.anyHeld = st.anyHeld
	e.in.anyActive = st.anyActive
	e.mu.Unlock()
}

func (e *Engine) recomputeAndApply(ctx context.Context) {
	e.mu.Lock()
	if e.agent != nil {
		agentState := e.agent.CurrentAgentState()
		e.in.agentLoggedIn = agentState.LoggedIn
		e.in.voicemailCount = agentState.VoicemailMessages
	}
	in := e.in
	up := e.driverUp
	e.mu.Unlock()

	render := resolve(in, e.sound, e.volume)

	e.mu.Lock()
	changed := render != e.lastApplied
	e.lastApplied = render
	e.mu.Unlock()

	if !changed {
		return
	}
	e.bus.Emit(bus.TopicIndicatorStateChanged, render.State.String())

	if !up {
		// Connection supervision is buffering silently; re-apply happens
		// on next successful probe (spec §4.G "Connection supervision").
		return
	}
	if err := e.apply(ctx, render); err != nil {
		slog.Warn("[Indicator] apply failed, marking driver unavailable", "error", err)
		e.mu.Lock()
		e.driverUp = false
		e.mu.Unlock()
	}
}

func (e *Engine) apply(ctx context.Context, r Render) error {
	e.stopSoftwareBlink()

	switch r.Mode {
	case RenderOff:
		return e.driver.Off(ctx)
	case RenderSolid:
		return e.driver.Light(ctx, toLampColor(r.Color))
	case RenderAlert:
		return e.driver.Alert(ctx, toLampColor(r.Color), r.Sound, r.Volume)
	case RenderBlink:
		e.mu.Lock()
		hw := e.hardwareBlink
		e.mu.Unlock()
		if hw {
			return e.driver.Blink(ctx, toLampColor(r.Color), r.OnTenths, r.OffTenths)
		}
		e.startSoftwareBlink(r)
		return nil
	}
	return nil
}

// startSoftwareBlink emulates Blink on a lamp that reported no hardware
// blink support, by toggling Solid/Off at the requested cadence (spec
// §4.G "Capability adaptation").
func (e *Engine) startSoftwareBlink(r Render) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.blinkCancel = cancel
	e.mu.Unlock()

	onDur := time.Duration(r.OnTenths) * 100 * time.Millisecond
	offDur := time.Duration(r.OffTenths) * 100 * time.Millisecond

	go func() {
		on := true
		if err := e.driver.Light(ctx, toLampColor(r.Color)); err != nil {
			return
		}
		for {
			wait := onDur
			if !on {
				wait = offDur
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			on = !on
			if on {
				_ = e.driver.Light(ctx, toLampColor(r.Color))
			} else {
				_ = e.driver.Off(ctx)
			}
		}
	}()
}

func (e *Engine) stopSoftwareBlink() {
	e.mu.Lock()
	cancel := e.blinkCancel
	e.blinkCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start probes lamp capability once, then runs the periodic connection
// supervision loop (spec §4.G) until ctx is cancelled. The supervision
// goroutine is managed by an errgroup so Start's caller can Wait for its
// termination alongside any sibling supervised loop.
func (e *Engine) Start(ctx context.Context) error {
	e.probeCapability(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				e.probe(gctx)
			}
		}
	})
	return g.Wait()
}

func (e *Engine) probeCapability(ctx context.Context) {
	devices, err := e.driver.Devices(ctx)
	if err != nil {
		slog.Warn("[Indicator] capability probe failed, assuming hardware blink", "error", err)
		e.mu.Lock()
		e.driverUp = false
		e.capabilityDone = true
		e.mu.Unlock()
		return
	}
	hw := true
	for _, d := range devices {
		if strings.EqualFold(d.Name, "Alpha") || strings.EqualFold(d.ID, "Alpha") {
			hw = false
			break
		}
	}
	e.mu.Lock()
	e.hardwareBlink = hw
	e.driverUp = true
	e.capabilityDone = true
	e.mu.Unlock()
}

// probe implements the periodic "presence" liveness check (spec §4.G
// "Connection supervision"): on failure the driver is marked unavailable
// and state transitions keep computing silently; on recovery the
// last-computed state is re-applied.
func (e *Engine) probe(ctx context.Context) {
	_, err := e.driver.CurrentPresence(ctx)
	e.mu.Lock()
	wasUp := e.driverUp
	e.driverUp = err == nil
	nowUp := e.driverUp
	last := e.lastApplied
	e.mu.Unlock()

	if err != nil {
		if wasUp {
			slog.Warn("[Indicator] lamp presence probe failed, buffering state silently", "error", err)
		}
		return
	}
	if !wasUp && nowUp {
		slog.Info("[Indicator] lamp recovered, re-applying current state", "state", last.State.String())
		if applyErr := e.apply(ctx, last); applyErr != nil {
			slog.Warn("[Indicator] re-apply after recovery failed", "error", applyErr)
			e.mu.Lock()
			e.driverUp = false
			e.mu.Unlock()
		}
	}
}

func toLampColor(c Color) lamp.Color {
	return lamp.Color{R: c.R, G: c.G, B: c.B}
}
