package bus

import (
	"time"
)

// Attachment is an inbound file already saved to local disk by the channel.
type Attachment struct {
	Path     string
	Name     string
	MimeType string
}

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	MessageID int
	Content   string
	Timestamp time.Time
	File      *Attachment
	Metadata  map[string]any
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}
