package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/stellarlinkco/caseintake/internal/bus"
	"github.com/stellarlinkco/caseintake/internal/channel"
	"github.com/stellarlinkco/caseintake/internal/config"
	"github.com/stellarlinkco/caseintake/internal/cron"
	"github.com/stellarlinkco/caseintake/internal/prompts"
)

const (
	idleSweepJobName  = "idle-session-sweep"
	shutdownTurnGrace = 10 * time.Second
)

// route is where a user was last heard from.
type route struct {
	channel string
	chatID  string
}

type Gateway struct {
	cfg        *config.Config
	svc        *Services
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	cron       *cron.Service
	dispatch   *dispatcher
	signalChan chan os.Signal // for testing
	now        func() time.Time

	routesMu sync.Mutex
	routes   map[string]route
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	svc, err := NewServices(cfg, opts)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		svc:        svc,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		cron:       cron.NewService(),
		signalChan: opts.SignalChan,
		now:        time.Now,
		routes:     make(map[string]route),
	}
	g.dispatch = newDispatcher(g.handleInbound)

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.inboxDir(), g.bus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) inboxDir() string {
	return filepath.Join(g.cfg.Storage.ArtifactsDir, "inbox")
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Printf("[gateway] maintenance jobs warning: %v", err)
	}
	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running, ledger at %s", g.svc.Ledger.Path())

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			if !g.dispatch.Submit(ctx, msg.SenderID, msg) {
				log.Printf("[gateway] dropped message from %s/%s: shutting down", msg.Channel, msg.SenderID)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ensureMaintenanceJobs registers the idle sweep once.
func (g *Gateway) ensureMaintenanceJobs() error {
	for _, job := range g.cron.ListJobs() {
		if job.Name == idleSweepJobName {
			return nil
		}
	}
	if g.cfg.Intake.IdleDuration() <= 0 {
		log.Printf("[gateway] idle sweep disabled")
		return nil
	}
	_, err := g.cron.AddJob(idleSweepJobName, g.cfg.Intake.SweepSchedule, g.sweepIdle)
	return err
}

// sweepIdle clears interview states untouched for the idle timeout and
// tells each affected user.
func (g *Gateway) sweepIdle(ctx context.Context) (string, error) {
	idle := g.cfg.Intake.IdleDuration()
	if idle <= 0 {
		return "", nil
	}
	expired := g.svc.Store.ExpireIdle(g.now().Add(-idle))
	for _, userID := range expired {
		r, ok := g.routeFor(userID)
		if !ok {
			continue
		}
		caseID, _ := g.svc.Registry.Lookup(userID)
		g.send(ctx, r.channel, r.chatID, prompts.Format(g.svc.Prompts.Messages.SessionExpired, "case_id", caseID))
	}
	if len(expired) == 0 {
		return "", nil
	}
	return fmt.Sprintf("expired %d sessions", len(expired)), nil
}

func (g *Gateway) remember(userID, channelName, chatID string) {
	g.routesMu.Lock()
	g.routes[userID] = route{channel: channelName, chatID: chatID}
	g.routesMu.Unlock()
}

func (g *Gateway) routeFor(userID string) (route, bool) {
	g.routesMu.Lock()
	defer g.routesMu.Unlock()
	r, ok := g.routes[userID]
	return r, ok
}

func (g *Gateway) send(ctx context.Context, channelName, chatID, content string) {
	if content == "" {
		return
	}
	select {
	case g.bus.Outbound <- bus.OutboundMessage{Channel: channelName, ChatID: chatID, Content: content}:
	case <-ctx.Done():
		log.Printf("[gateway] dropped reply to %s/%s: %v", channelName, chatID, ctx.Err())
	}
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()

	done := make(chan struct{})
	go func() {
		g.dispatch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTurnGrace):
		log.Printf("[gateway] shutdown timeout waiting for in-flight turns")
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
