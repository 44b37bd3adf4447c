// Package whatsapp connects the session machine and the delivery layer
// to WhatsApp through whatsmeow. Device credentials live in a SQLite
// store, so a paired session survives restarts.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/TheLeoP/wpp/internal/eventbus"
	"github.com/TheLeoP/wpp/internal/session"
)

// Options configures a Session.
type Options struct {
	SessionDBPath  string
	QRDir          string
	SendsPerMinute int // 0 = uncapped
	Logger         *slog.Logger
}

// Session owns the whatsmeow client and keeps the session machine in
// step with connection events. It implements delivery.Chat.
type Session struct {
	machine *session.Machine
	bus     eventbus.Bus
	logger  *slog.Logger
	dbPath  string
	qrDir   string
	limiter *rate.Limiter

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
}

// NewSession creates a Session. Call Init to open the device store and
// connect.
func NewSession(machine *session.Machine, bus eventbus.Bus, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.SendsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.SendsPerMinute)/60), 1)
	}
	return &Session{
		machine: machine,
		bus:     bus,
		logger:  logger,
		dbPath:  opts.SessionDBPath,
		qrDir:   opts.QRDir,
		limiter: limiter,
	}
}

// Init opens the device store and connects. With stored credentials it
// resumes the session directly; without them it starts pairing and
// publishes QR codes until one is scanned or the channel closes.
func (s *Session) Init(ctx context.Context) error {
	s.machine.Loading(0, "opening session store")

	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create session store directory: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+s.dbPath+"?_pragma=foreign_keys(1)&_journal_mode=WAL", dbLog)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("failed to load device: %w", err)
	}

	clientLog := waLog.Stdout("WhatsApp", "WARN", true)
	client := whatsmeow.NewClient(device, clientLog)
	client.AddEventHandler(s.handleEvent)

	s.mu.Lock()
	s.container = container
	s.client = client
	s.mu.Unlock()

	return s.connect(ctx, client)
}

func (s *Session) connect(ctx context.Context, client *whatsmeow.Client) error {
	if client.Store.ID != nil {
		s.machine.Loading(50, "resuming session")
		if err := client.Connect(); err != nil {
			s.machine.AuthFailure(err.Error())
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	// No stored credentials; the QR channel must be requested before
	// Connect or pairing never starts.
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		s.machine.AuthFailure(err.Error())
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		s.machine.AuthFailure(err.Error())
		return fmt.Errorf("failed to connect: %w", err)
	}

	go s.pairLoop(qrChan)
	return nil
}

func (s *Session) pairLoop(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			path, err := s.writeQR(evt.Code)
			if err != nil {
				s.logger.Error("failed to write QR code image", "error", err)
			} else {
				s.logger.Info("pairing QR code ready", "file", path)
			}
			s.machine.QRIssued(evt.Code)
		case "success":
			// PairSuccess and Connected events drive the machine from here.
			s.logger.Info("pairing succeeded")
			return
		case "timeout":
			s.machine.AuthFailure("QR code expired before it was scanned")
		default:
			s.logger.Debug("pairing event", "event", evt.Event)
		}
	}
}

// writeQR renders the pairing payload as a PNG so it can be scanned
// from a machine without a terminal attached.
func (s *Session) writeQR(code string) (string, error) {
	if err := os.MkdirAll(s.qrDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create QR directory: %w", err)
	}
	path := filepath.Join(s.qrDir, fmt.Sprintf("qr_%d.png", time.Now().Unix()))
	if err := qrcode.WriteFile(code, qrcode.Medium, 256, path); err != nil {
		return "", fmt.Errorf("failed to write QR image: %w", err)
	}
	return path, nil
}

func (s *Session) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		s.logger.Info("paired", "jid", v.ID.String())
		s.machine.AuthSucceeded()
	case *events.Connected:
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		p := session.Profile{}
		if client != nil && client.Store.ID != nil {
			p.JID = client.Store.ID.String()
			p.Name = client.Store.PushName
		}
		s.logger.Info("connected", "jid", p.JID)
		s.machine.ConnectionReady(p)
	case *events.Disconnected:
		s.logger.Warn("disconnected")
		s.machine.ConnectionLost("connection to WhatsApp lost")
	case *events.ConnectFailure:
		s.logger.Error("connection failure", "reason", v.Reason.String())
		s.machine.AuthFailure(v.Reason.String())
	case *events.LoggedOut:
		s.logger.Warn("logged out remotely", "reason", v.Reason.String())
		s.machine.ConnectionLost("logged out: " + v.Reason.String())
		// The stored credentials are dead; start over with a fresh device.
		go func() {
			if err := s.reset(context.Background()); err != nil {
				s.logger.Error("failed to restart pairing after remote logout", "error", err)
			}
		}()
	}
}

// Logout invalidates the session on the server, discards the local
// device and immediately starts pairing again.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil && client.IsLoggedIn() {
		if err := client.Logout(ctx); err != nil {
			s.logger.Warn("server-side logout failed", "error", err)
		}
	}
	return s.reset(ctx)
}

// reset disconnects, drops the current device and reconnects with a
// blank one, which puts the machine back on the pairing path.
func (s *Session) reset(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	container := s.container
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
		if client.Store.ID != nil {
			if err := client.Store.Delete(ctx); err != nil {
				s.logger.Warn("failed to delete device store", "error", err)
			}
		}
	}
	if container == nil {
		return fmt.Errorf("session store is not open")
	}

	device := container.NewDevice()
	clientLog := waLog.Stdout("WhatsApp", "WARN", true)
	fresh := whatsmeow.NewClient(device, clientLog)
	fresh.AddEventHandler(s.handleEvent)

	s.mu.Lock()
	s.client = fresh
	s.mu.Unlock()

	return s.connect(ctx, fresh)
}

// Close disconnects and releases the device store.
func (s *Session) Close() {
	s.mu.Lock()
	client := s.client
	container := s.container
	s.client = nil
	s.container = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		container.Close()
	}
}

// Lookup reports whether a canonical phone number has a WhatsApp
// account and returns its chat JID.
func (s *Session) Lookup(ctx context.Context, phone string) (string, bool, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return "", false, fmt.Errorf("client is not initialized")
	}

	resp, err := client.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return "", false, fmt.Errorf("failed to query number: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return "", false, nil
	}
	return resp[0].JID.String(), true, nil
}

// SendText delivers a plain text message to a chat JID.
func (s *Session) SendText(ctx context.Context, jid, text string) error {
	client, to, err := s.sendTarget(ctx, jid)
	if err != nil {
		return err
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := client.SendMessage(ctx, to, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendMedia uploads the file at mediaPath and delivers it with the text
// as caption. The message kind follows the detected MIME type.
func (s *Session) SendMedia(ctx context.Context, jid, text, mediaPath string) error {
	client, to, err := s.sendTarget(ctx, jid)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(mediaPath)
	if err != nil {
		return fmt.Errorf("failed to read media file: %w", err)
	}
	mime := mimetype.Detect(data)

	mediaType := whatsmeow.MediaDocument
	switch {
	case strings.HasPrefix(mime.String(), "image/"):
		mediaType = whatsmeow.MediaImage
	case strings.HasPrefix(mime.String(), "video/"):
		mediaType = whatsmeow.MediaVideo
	case strings.HasPrefix(mime.String(), "audio/"):
		mediaType = whatsmeow.MediaAudio
	}

	up, err := client.Upload(ctx, data, mediaType)
	if err != nil {
		return fmt.Errorf("failed to upload media: %w", err)
	}

	msg := &waE2E.Message{}
	switch mediaType {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(text),
			Mimetype:      proto.String(mime.String()),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(text),
			Mimetype:      proto.String(mime.String()),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	case whatsmeow.MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype:      proto.String(mime.String()),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Title:         proto.String(filepath.Base(mediaPath)),
			Caption:       proto.String(text),
			Mimetype:      proto.String(mime.String()),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	}

	if _, err := client.SendMessage(ctx, to, msg); err != nil {
		return fmt.Errorf("failed to send media message: %w", err)
	}
	return nil
}

// sendTarget resolves the client and parses the JID, waiting on the
// rate limiter first when one is configured.
func (s *Session) sendTarget(ctx context.Context, jid string) (*whatsmeow.Client, types.JID, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, types.JID{}, fmt.Errorf("client is not initialized")
	}

	to, err := types.ParseJID(jid)
	if err != nil {
		return nil, types.JID{}, fmt.Errorf("failed to parse JID %q: %w", jid, err)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, types.JID{}, fmt.Errorf("rate limit wait aborted: %w", err)
		}
	}
	return client, to, nil
}
