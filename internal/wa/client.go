package wa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"shopbot/internal/convo"
	"shopbot/internal/metrics"
	"shopbot/internal/search"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const mediaFetchTimeout = 15 * time.Second

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// EventHandler receives normalized inbound events. Implemented by the
// conversation engine.
type EventHandler interface {
	HandleEvent(ev convo.InboundEvent)
}

// Client wraps the WhatsMeow client. It normalizes transport events into
// engine events on the way in and implements the engine's Sender on the way
// out.
type Client struct {
	client  *whatsmeow.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler EventHandler
	httpc   *http.Client
}

// New creates a WhatsApp client backed by an SQLite device store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
		httpc:   &http.Client{Timeout: mediaFetchTimeout},
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// SetEventHandler registers the inbound event sink.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

// handleMessage normalizes one transport message into an InboundEvent.
// Group chats and own echoes are ignored; the bot only serves direct chats.
func (c *Client) handleMessage(evt *events.Message) {
	msg := evt.Message
	if msg == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	if c.handler == nil {
		return
	}

	ev := convo.InboundEvent{
		UserKey:   evt.Info.Sender.ToNonAD().String(),
		MessageID: string(evt.Info.ID),
		Timestamp: evt.Info.Timestamp,
	}

	switch {
	case msg.GetConversation() != "":
		ev.Text = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		ev.Text = msg.GetExtendedTextMessage().GetText()
	case msg.ImageMessage != nil:
		ev.Text = msg.GetImageMessage().GetCaption()
		ev.ImageRef = c.downloadImageRef(msg)
		if ev.ImageRef == "" && ev.Text == "" {
			c.logger.Warn("image message without usable media", "from", ev.UserKey)
			return
		}
	default:
		c.logger.Debug("ignoring unsupported message type", "from", ev.UserKey)
		return
	}

	go c.handler.HandleEvent(ev)
}

// downloadImageRef fetches the encrypted media and inlines it as a data URI.
// Direct media URLs cannot be handed to the retrieval backend: they are
// end-to-end encrypted and useless without the media key.
func (c *Client) downloadImageRef(msg *waProto.Message) string {
	ctx, cancel := context.WithTimeout(context.Background(), mediaFetchTimeout)
	defer cancel()

	data, err := c.client.DownloadAny(ctx, msg)
	if err != nil {
		c.logger.Warn("media download failed", "error", err)
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("media_download").Inc()
		}
		return ""
	}

	mime := msg.ImageMessage.GetMimetype()
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// SendText sends a plain text message to the user identified by userKey.
func (c *Client) SendText(ctx context.Context, userKey, text string) error {
	jid, err := types.ParseJID(userKey)
	if err != nil {
		return fmt.Errorf("parse jid: %w", err)
	}

	message := &waProto.Message{Conversation: proto.String(text)}
	if _, err := c.client.SendMessage(ctx, jid, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// SendProducts sends each product as an image message with a name and price
// caption. Products without media fall back to a text line. A failure on one
// product does not stop the rest; the first error is returned.
func (c *Client) SendProducts(ctx context.Context, userKey string, products []search.Product) error {
	jid, err := types.ParseJID(userKey)
	if err != nil {
		return fmt.Errorf("parse jid: %w", err)
	}

	var firstErr error
	for _, p := range products {
		caption := fmt.Sprintf("%s\nRp%.0f", p.Name, p.Price)
		if p.Size != "" {
			caption += "\nSize: " + p.Size
		}

		if p.MediaURL == "" {
			if _, err := c.client.SendMessage(ctx, jid, &waProto.Message{Conversation: proto.String(caption)}); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("send product text: %w", err)
			}
			continue
		}

		if err := c.sendImageURL(ctx, jid, p.MediaURL, caption); err != nil {
			c.logger.Warn("product image send failed", "product", p.Ref, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Client) sendImageURL(ctx context.Context, jid types.JID, url, caption string) error {
	data, mime, err := c.fetchMedia(ctx, url)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}

	uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	imageMsg := &waProto.ImageMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(mime),
		Caption:       proto.String(caption),
	}

	if _, err := c.client.SendMessage(ctx, jid, &waProto.Message{ImageMessage: imageMsg}); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

func (c *Client) fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, "", err
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
