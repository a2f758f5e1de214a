// Command softphone is the demo wiring harness for the 365Connect
// telephony core: it bootstraps every component from environment
// configuration and connects to the SIP server exactly as an embedding UI
// would, logging every bus event to stdout and optionally placing one
// outbound call given as a command-line argument. Grounded on the
// teacher's own cmd/signaling/main.go bootstrap shape (load config, init
// logger, build the top-level object, run until a shutdown signal).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/kittykatchunks/365connect/internal/banner"
	"github.com/kittykatchunks/365connect/internal/bus"
	"github.com/kittykatchunks/365connect/internal/callctl"
	"github.com/kittykatchunks/365connect/internal/config"
	"github.com/kittykatchunks/365connect/internal/hostenv"
	"github.com/kittykatchunks/365connect/internal/indicator"
	"github.com/kittykatchunks/365connect/internal/kvstore"
	"github.com/kittykatchunks/365connect/internal/lamp"
	"github.com/kittykatchunks/365connect/internal/line"
	"github.com/kittykatchunks/365connect/internal/logger"
	"github.com/kittykatchunks/365connect/internal/registrar"
	"github.com/kittykatchunks/365connect/internal/session"
	"github.com/kittykatchunks/365connect/internal/subscribe"
	"github.com/kittykatchunks/365connect/internal/transport"
)

// blfButtonsKey is the kvstore key holding the ordered, comma-separated
// BLF extension list (spec §6 "Persisted state").
const blfButtonsKey = "blfButtons"

func main() {
	logger.InitLogger(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("[Main] configuration error", "error", err)
		os.Exit(1)
	}

	banner.Print("365CONNECT SOFTPHONE CORE", []banner.ConfigLine{
		{Label: "Server", Value: cfg.Server},
		{Label: "Username", Value: cfg.Username},
		{Label: "Display Name", Value: cfg.DisplayName},
		{Label: "Busylight", Value: boolLabel(cfg.BusylightEnabled)},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := bus.New()
	logEveryTopic(b)

	tr := transport.New(cfg, b)
	reg := registrar.New(cfg, tr, b)
	subs := subscribe.New(cfg, tr, b)
	lines := line.New(b)

	var localURI sip.Uri
	if err := sip.ParseUri("sip:"+cfg.Username+"@"+cfg.Domain, &localURI); err != nil {
		slog.Error("[Main] invalid local URI", "error", err)
		os.Exit(1)
	}
	sessions := session.New(tr, b, lines, localURI)

	store := kvstore.NewMemory(60 * time.Second)
	defer store.Close()

	devices := &hostenv.Static{}
	agent := &hostenv.Static{}
	env := hostenv.New(devices, devices, agent)

	controller := callctl.New(sessions, lines, cfg, env.Devices, nil)

	reg.OnUnregister(func(ctx context.Context) {
		for _, s := range sessions.All() {
			if !s.State().IsTerminal() {
				_ = sessions.HangUp(ctx, s.ID)
			}
		}
		for _, ext := range strings.Split(buttonList(store), ",") {
			if ext != "" {
				subs.Unsubscribe(ctx, ext)
			}
		}
	})

	b.Subscribe(bus.TopicRegistered, func(bus.Event) {
		targets := blfTargets(buttonList(store))
		if len(targets) > 0 {
			subs.Configure(ctx, targets)
			subs.Start(ctx)
		}
	})

	tr.OnMessage(func(msg sip.Message) {
		req, ok := msg.(*sip.Request)
		if !ok {
			return
		}
		switch req.Method {
		case sip.INVITE:
			if _, err := sessions.HandleInvite(req); err != nil {
				slog.Warn("[Main] inbound INVITE rejected", "error", err)
			}
		case sip.BYE:
			res := sessions.HandleBye(req)
			if sendErr := tr.Send(res); sendErr != nil {
				slog.Warn("[Main] failed to send BYE response", "error", sendErr)
			}
		case sip.NOTIFY:
			res := dispatchNotify(sessions, subs, req)
			if res != nil {
				if sendErr := tr.Send(res); sendErr != nil {
					slog.Warn("[Main] failed to send NOTIFY response", "error", sendErr)
				}
			}
		default:
			slog.Debug("[Main] unhandled inbound method", "method", req.Method.String())
		}
	})

	if cfg.BusylightEnabled {
		if lampURL := os.Getenv("CONNECT365_LAMP_URL"); lampURL != "" {
			driver := lamp.NewHTTPDriver(lampURL, cfg.Username)
			ind := indicator.New(driver, b, agent, cfg.RingSound, cfg.RingVolume)
			ind.ObserveSessions(sessions)
			go func() {
				if err := ind.Start(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("[Indicator] supervision loop stopped", "error", err)
				}
			}()
		} else {
			slog.Warn("[Main] busylightEnabled but CONNECT365_LAMP_URL is unset, skipping indicator")
		}
	}

	if err := tr.Start(ctx); err != nil {
		slog.Error("[Main] transport start failed", "error", err)
		os.Exit(1)
	}

	if target := dialTarget(); target != "" {
		if _, err := controller.Dial(ctx, target); err != nil {
			slog.Error("[Main] dial failed", "target", target, "error", err)
		}
	}

	<-ctx.Done()
	slog.Info("[Main] shutting down")
	_ = reg.Unregister(context.Background(), false)
	tr.Stop()
}

// dialTarget returns the one optional dial argument given on the command
// line, e.g. `softphone 2002`.
func dialTarget() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return ""
}

// dispatchNotify routes an inbound NOTIFY by its Event header: "refer"
// resolves a pending blind/attended transfer against its sipfrag body
// (spec §4.D), anything else is the BLF dialog-info subscription engine's.
func dispatchNotify(sessions *session.Manager, subs *subscribe.Engine, req *sip.Request) *sip.Response {
	if ev := req.GetHeader("Event"); ev != nil && strings.HasPrefix(strings.ToLower(ev.Value()), "refer") {
		if res := sessions.HandleReferNotify(req); res != nil {
			return res
		}
	}
	return subs.HandleNotify(req)
}

func buttonList(store *kvstore.Memory) string {
	v, _ := store.Get(blfButtonsKey)
	return v
}

func blfTargets(csv string) []subscribe.Target {
	var out []subscribe.Target
	for _, ext := range strings.Split(csv, ",") {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		out = append(out, subscribe.Target{Extension: ext})
	}
	return out
}

func boolLabel(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func logEveryTopic(b *bus.Bus) {
	for _, topic := range []string{
		bus.TopicRegistered, bus.TopicUnregistered, bus.TopicRegistrationFailed,
		bus.TopicTransportConnected, bus.TopicTransportDisconnected,
		bus.TopicSessionCreated, bus.TopicSessionStateChanged, bus.TopicSessionAnswered,
		bus.TopicSessionTerminated, bus.TopicSessionHeld, bus.TopicSessionMuted, bus.TopicSessionError,
		bus.TopicDtmfSent, bus.TopicTransferInitiated, bus.TopicTransferCompleted,
		bus.TopicLineChanged, bus.TopicCallWaitingTone,
		bus.TopicBlfStateChanged, bus.TopicBlfSubscribed, bus.TopicBlfUnsubscribed,
		bus.TopicIndicatorStateChanged,
		bus.TopicAgentStateChanged, bus.TopicVoicemailCountChanged,
	} {
		topic := topic
		b.Subscribe(topic, func(ev bus.Event) {
			slog.Info("[Bus] "+topic, "payload", ev.Payload)
		})
	}
}
