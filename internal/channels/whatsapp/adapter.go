// Package whatsapp implements the WhatsApp transport on top of whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/pkg/models"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the whatsmeow session store
)

const inboundBuffer = 64

var _ channels.Channel = (*Adapter)(nil)

// Adapter is the WhatsApp channel built on whatsmeow.
type Adapter struct {
	config *Config
	logger *slog.Logger

	client    *whatsmeow.Client
	container *sqlstore.Container

	msgs chan *models.Message

	mu     sync.RWMutex
	status channels.Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a WhatsApp adapter with its session container opened.
func New(cfg *Config, logger *slog.Logger) (*Adapter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessionPath := expandPath(cfg.SessionPath)
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	container, err := sqlstore.New(context.Background(), "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	return &Adapter{
		config:    cfg,
		logger:    logger.With("component", "whatsapp"),
		container: container,
		msgs:      make(chan *models.Message, inboundBuffer),
	}, nil
}

// Start connects to WhatsApp. When the device is not paired yet, the QR code
// for pairing is logged until a pairing succeeds.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	device, err := a.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		qrChan, err := a.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		if err := a.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-qrChan:
					if !ok {
						return
					}
					if evt.Event == "code" {
						a.logger.Info("scan QR code to pair", "code", evt.Code)
					}
				}
			}
		}()
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Stop disconnects and closes the session store and the inbound stream.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.client != nil {
		a.client.Disconnect()
	}
	if a.container != nil {
		if err := a.container.Close(); err != nil {
			a.logger.Warn("failed to close session store", "error", err)
		}
	}
	a.setStatus(false, "stopped")
	close(a.msgs)
	return nil
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.msgs
}

// Send delivers a plain text message to the given chat JID.
func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	if !a.Status().Connected {
		return channels.ErrNotConnected
	}

	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	_, err = a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Status reports the current connection state.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) setStatus(connected bool, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = channels.Status{
		Connected: connected,
		Detail:    detail,
		Since:     time.Now(),
	}
}

func (a *Adapter) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		a.setStatus(true, "connected")
		a.logger.Info("connected to WhatsApp")

	case *events.Disconnected:
		a.setStatus(false, "disconnected")
		a.logger.Warn("disconnected from WhatsApp")

	case *events.LoggedOut:
		a.setStatus(false, "logged out")
		a.logger.Warn("logged out from WhatsApp", "reason", v.Reason)

	case *events.Message:
		a.handleMessage(v)
	}
}

// handleMessage normalizes an incoming WhatsApp message onto the inbound
// stream. Status broadcasts and payloads with no text content are skipped.
func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	payload := extractPayload(evt)
	if payload.Empty() {
		return
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		ChannelID:  evt.Info.ID,
		Channel:    models.ChannelWhatsApp,
		Direction:  models.DirectionInbound,
		SenderID:   evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		ChatID:     evt.Info.Chat.String(),
		FromSelf:   evt.Info.IsFromMe,
		Payload:    payload,
		CreatedAt:  evt.Info.Timestamp,
	}

	select {
	case a.msgs <- msg:
	default:
		a.logger.Warn("inbound buffer full, dropping message",
			"channel_id", msg.ChannelID,
			"chat", msg.ChatID)
	}
}

// extractPayload maps the whatsmeow message shapes onto the normalized
// payload. Media without a caption yields an empty payload.
func extractPayload(evt *events.Message) models.Payload {
	var p models.Payload
	m := evt.Message
	if m == nil {
		return p
	}

	if m.Conversation != nil {
		p.Text = m.GetConversation()
	}
	if m.ExtendedTextMessage != nil {
		p.ExtendedText = m.ExtendedTextMessage.GetText()
	}
	if m.ImageMessage != nil {
		p.ImageCaption = m.ImageMessage.GetCaption()
	}
	if m.VideoMessage != nil {
		p.VideoCaption = m.VideoMessage.GetCaption()
	}
	return p
}
