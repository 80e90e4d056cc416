package channel

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/caseintake/internal/bus"
	"github.com/stellarlinkco/caseintake/internal/config"
)

const (
	telegramChannelName = "telegram"
	pollTimeoutSeconds  = 30
	// maxDownloadBytes matches the Bot API getFile limit.
	maxDownloadBytes = 20 << 20
)

var errBotNotReady = errors.New("telegram bot not initialized")

// TelegramBot is the part of the Bot API the channel uses (allows mocking)
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// botAPI adapts *tgbotapi.BotAPI; everything except GetSelf is promoted.
type botAPI struct {
	*tgbotapi.BotAPI
}

func (b botAPI) GetSelf() tgbotapi.User { return b.Self }

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return botAPI{api}, nil
}

// botCommands is the menu shown next to the input field.
var botCommands = []tgbotapi.BotCommand{
	{Command: "new", Description: "Start a new case"},
	{Command: "add_text", Description: "Add free text to the current case"},
	{Command: "add_file", Description: "Attach a PDF or photo"},
	{Command: "review", Description: "Review a case"},
	{Command: "cancel", Description: "Cancel the current step"},
}

// TelegramChannel polls the Bot API. Photos and documents are saved under
// downloadDir before the message is published on the bus.
type TelegramChannel struct {
	BaseChannel
	cfg         config.TelegramConfig
	downloadDir string
	newBot      BotFactory
	bot         TelegramBot
	httpClient  *http.Client
	cancel      context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, downloadDir string, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, downloadDir, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, downloadDir string, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if downloadDir == "" {
		downloadDir = filepath.Join(os.TempDir(), "caseintake-inbox")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		cfg:         cfg,
		downloadDir: downloadDir,
		newBot:      factory,
		httpClient:  http.DefaultClient,
	}, nil
}

// httpClientFor routes Bot API traffic through proxy when one is set.
func httpClientFor(proxy string) (*http.Client, error) {
	if proxy == "" {
		return http.DefaultClient, nil
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}, nil
}

func (t *TelegramChannel) initBot() error {
	client, err := httpClientFor(t.cfg.Proxy)
	if err != nil {
		return err
	}
	bot, err := t.newBot(t.cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot, t.httpClient = bot, client
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}
	if _, err := t.bot.Request(tgbotapi.NewSetMyCommands(botCommands...)); err != nil {
		log.Printf("[telegram] set commands failed: %v", err)
	}

	ctx, t.cancel = context.WithCancel(ctx)
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	go t.poll(ctx, t.bot.GetUpdatesChan(u))

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				t.handleMessage(update.Message)
			}
		}
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// fileRef points at the downloadable part of a message.
type fileRef struct {
	id     string
	suffix string
	mime   string
	name   string
}

// attachedFile picks the largest photo size, else the document.
func attachedFile(msg *tgbotapi.Message) (fileRef, bool) {
	switch {
	case len(msg.Photo) > 0:
		return fileRef{id: msg.Photo[len(msg.Photo)-1].FileID, suffix: ".jpg"}, true
	case msg.Document != nil:
		suffix := filepath.Ext(msg.Document.FileName)
		if suffix == "" {
			suffix = ".bin"
		}
		return fileRef{
			id:     msg.Document.FileID,
			suffix: suffix,
			mime:   msg.Document.MimeType,
			name:   msg.Document.FileName,
		}, true
	}
	return fileRef{}, false
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	in := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: msg.MessageID,
		Content:   msg.Text,
		Timestamp: msg.Time(),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
		},
	}
	if in.Content == "" {
		in.Content = msg.Caption
	}

	ref, hasFile := attachedFile(msg)
	switch {
	case hasFile:
		att, err := t.saveFile(ref, senderID, msg.MessageID)
		if err != nil {
			// the gateway answers with a technical-problem notice
			log.Printf("[telegram] download %s failed: %v", ref.id, err)
			in.Metadata["file_error"] = err.Error()
		} else {
			in.File = att
		}
	case in.Content == "":
		return
	}

	t.bus.Inbound <- in
}

// saveFile writes the file as <downloadDir>/<sender>_<message id><suffix>.
func (t *TelegramChannel) saveFile(ref fileRef, senderID string, messageID int) (*bus.Attachment, error) {
	data, err := t.fetch(ref.id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(t.downloadDir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	path := filepath.Join(t.downloadDir, fmt.Sprintf("%s_%d%s", senderID, messageID, strings.ToLower(ref.suffix)))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("write telegram file: %w", err)
	}

	att := &bus.Attachment{Path: path, Name: ref.name, MimeType: ref.mime}
	if att.Name == "" {
		att.Name = filepath.Base(path)
	}
	if att.MimeType == "" {
		att.MimeType = http.DetectContentType(data)
	}
	return att, nil
}

func (t *TelegramChannel) fetch(fileID string) ([]byte, error) {
	if t.bot == nil {
		return nil, errBotNotReady
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(file.Link(t.cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read telegram file body: %w", err)
	}
	switch {
	case len(data) == 0:
		return nil, errors.New("telegram file is empty")
	case len(data) > maxDownloadBytes:
		return nil, fmt.Errorf("telegram file exceeds %d bytes", maxDownloadBytes)
	}
	return data, nil
}

// Send delivers markdown content as HTML, split to fit the message
// limit. A chunk Telegram rejects as HTML is resent as plain text.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return errBotNotReady
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	for _, chunk := range splitMessage(toTelegramHTML(msg.Content), telegramTextLimit) {
		out := tgbotapi.NewMessage(chatID, chunk)
		out.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(out); err == nil {
			continue
		}
		out.ParseMode = ""
		out.Text = html.UnescapeString(stripTags(chunk))
		if _, err := t.bot.Send(out); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
