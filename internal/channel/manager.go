package channel

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stellarlinkco/caseintake/internal/bus"
	"github.com/stellarlinkco/caseintake/internal/config"
)

// ChannelManager owns the transports and routes outbound messages to them.
type ChannelManager struct {
	bus *bus.MessageBus

	mu       sync.Mutex
	channels []Channel
	started  []Channel
}

// NewChannelManager builds the enabled channels. downloadDir receives
// inbound files before the gateway files them under a case.
func NewChannelManager(cfg config.ChannelsConfig, downloadDir string, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{bus: b}
	if !cfg.Telegram.Enabled {
		return m, nil
	}
	tg, err := NewTelegramChannel(cfg.Telegram, downloadDir, b)
	if err != nil {
		return nil, fmt.Errorf("init telegram channel: %w", err)
	}
	m.Register(tg)
	return m, nil
}

// Register adds ch. Outbound messages addressed to its name go through
// ch.Send.
func (m *ChannelManager) Register(ch Channel) {
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()

	name := ch.Name()
	m.bus.SubscribeOutbound(name, func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Printf("[channel-mgr] send to %s/%s failed: %v", name, msg.ChatID, err)
		}
	})
}

// StartAll starts channels in registration order. When one fails, those
// already started are stopped again.
func (m *ChannelManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.channels {
		log.Printf("[channel-mgr] starting %s", ch.Name())
		if err := ch.Start(ctx); err != nil {
			m.stopStarted()
			return fmt.Errorf("%s: %w", ch.Name(), err)
		}
		m.started = append(m.started, ch)
	}
	return nil
}

// StopAll stops started channels in reverse order. Stop errors are only
// logged.
func (m *ChannelManager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopStarted()
	return nil
}

func (m *ChannelManager) stopStarted() {
	for i := len(m.started) - 1; i >= 0; i-- {
		ch := m.started[i]
		log.Printf("[channel-mgr] stopping %s", ch.Name())
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", ch.Name(), err)
		}
	}
	m.started = nil
}

// EnabledChannels lists channel names in registration order.
func (m *ChannelManager) EnabledChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}
