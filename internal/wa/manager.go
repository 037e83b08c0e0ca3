package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"outreach/internal/logging"
	"outreach/internal/model"
	"outreach/internal/sender"
	"outreach/internal/storage"
)

var (
	ErrNoSession     = errors.New("wa: no open session for account")
	ErrNotPaired     = errors.New("wa: account not paired")
	ErrAlreadyPaired = errors.New("wa: already paired")
)

// Handlers receive transport events. Any of them may be nil.
type Handlers struct {
	OnDisconnect func(accountID string)
	OnInbound    func(msg model.InboundMessage)
	OnPaired     func(accountID string)
}

// Manager owns one whatsmeow client per account, all sharing one device container.
type Manager struct {
	Container    *sqlstore.Container
	Store        *storage.Store
	ClientLogger waLog.Logger

	log      zerolog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
	handlers Handlers

	// LoginTimeout bounds how long Connect waits for the login handshake.
	LoginTimeout time.Duration
}

func NewManager(ctx context.Context, dsn string, store *storage.Store, log zerolog.Logger) (*Manager, error) {
	container, err := sqlstore.New(ctx, "sqlite3", dsn, logging.WhatsApp(log, "Database"))
	if err != nil {
		return nil, err
	}
	return &Manager{
		Container:    container,
		Store:        store,
		ClientLogger: logging.WhatsApp(log, "Client"),
		log:          logging.Component(log, "wa"),
		sessions:     make(map[string]*Session),
		LoginTimeout: 20 * time.Second,
	}, nil
}

// SetHandlers installs the event callbacks used by every session.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

func (m *Manager) currentHandlers() Handlers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers
}

// Open builds (or returns) the session of acc egressing through px. A stored
// session credential restores the paired device; otherwise a fresh device
// is created and must be paired.
func (m *Manager) Open(ctx context.Context, acc model.Account, px model.Proxy) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[acc.ID]; ok {
		return s, nil
	}

	device := m.Container.NewDevice()
	if acc.SessionCredential != "" {
		jid, err := types.ParseJID(acc.SessionCredential)
		if err != nil {
			return nil, fmt.Errorf("parse session credential: %w", err)
		}
		stored, err := m.Container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}
		if stored != nil {
			device = stored
		} else {
			m.log.Warn().Str("account_id", acc.ID).Msg("stored device missing, pairing required")
		}
	}

	client := whatsmeow.NewClient(device, m.ClientLogger)
	client.EnableAutoReconnect = false
	if px.Host != "" {
		if err := client.SetProxyAddress(px.URL()); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	s := &Session{accountID: acc.ID, proxyID: px.ID, client: client, mgr: m}
	client.AddEventHandler(s.handleEvent)
	m.sessions[acc.ID] = s
	return s, nil
}

// Session returns the open session of accountID.
func (m *Manager) Session(accountID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[accountID]
	return s, ok
}

// Close disconnects and forgets the session of accountID.
func (m *Manager) Close(accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()
	if ok {
		s.Disconnect()
	}
}

// CloseAll disconnects every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Disconnect()
	}
}

// SendText sends a plain text message from accountID to a user id or JID.
func (m *Manager) SendText(ctx context.Context, accountID, userID, text string) error {
	s, ok := m.Session(accountID)
	if !ok {
		// the account may come back through reconnect
		return fmt.Errorf("%w: %w", sender.ErrTransient, ErrNoSession)
	}
	return s.SendText(ctx, userID, text)
}

// IsConnected reports whether accountID has a live, logged-in session.
func (m *Manager) IsConnected(accountID string) bool {
	s, ok := m.Session(accountID)
	return ok && s.IsAlive(context.Background())
}

// Session is one account's connection to the messaging network.
type Session struct {
	accountID string
	proxyID   int64
	client    *whatsmeow.Client
	mgr       *Manager

	pairingMu     sync.Mutex
	pairingActive bool
}

func (s *Session) AccountID() string { return s.accountID }
func (s *Session) ProxyID() int64    { return s.proxyID }

// Paired reports whether the session holds a device identity.
func (s *Session) Paired() bool { return s.client.Store != nil && s.client.Store.ID != nil }

// Connect dials through the session's proxy and waits for login.
func (s *Session) Connect(ctx context.Context) error {
	if !s.Paired() {
		return ErrNotPaired
	}
	if s.IsAlive(ctx) {
		return nil
	}
	if s.client.IsConnected() {
		s.client.Disconnect()
	}
	if err := s.client.Connect(); err != nil {
		return err
	}
	timeout := s.mgr.LoginTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for !s.client.IsLoggedIn() {
		select {
		case <-waitCtx.Done():
			s.client.Disconnect()
			return fmt.Errorf("wait for login: %w", waitCtx.Err())
		case <-tick.C:
		}
	}
	return nil
}

// IsAlive reports a connected and logged-in socket.
func (s *Session) IsAlive(context.Context) bool {
	return s.client.IsConnected() && s.client.IsLoggedIn()
}

func (s *Session) Disconnect() { s.client.Disconnect() }

func (s *Session) SendText(ctx context.Context, userID, text string) error {
	if !s.Paired() {
		return ErrNotPaired
	}
	jid, err := ToJID(userID)
	if err != nil {
		return err
	}
	msg := &waProto.Message{Conversation: strptr(text)}
	_, err = s.client.SendMessage(ctx, jid, msg)
	return err
}

// StartPairing connects an unpaired session and returns the first QR code
// as a PNG along with its raw text.
func (s *Session) StartPairing(ctx context.Context) ([]byte, string, error) {
	if s.Paired() {
		return nil, "", ErrAlreadyPaired
	}
	log := s.mgr.ClientLogger

	// QR channel must be requested before Connect and outlive the HTTP request.
	qrChan, err := s.client.GetQRChannel(context.Background())
	if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
		return nil, "", err
	}

	s.pairingMu.Lock()
	if !s.pairingActive {
		log.Infof("pair:qr: start connect account=%s", s.accountID)
		s.pairingActive = true
		go func() {
			if err := s.client.Connect(); err != nil {
				log.Errorf("pair:qr: connect err account=%s: %v", s.accountID, err)
				s.pairingMu.Lock()
				s.pairingActive = false
				s.pairingMu.Unlock()
			}
		}()
	}
	s.pairingMu.Unlock()

	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				return nil, "", fmt.Errorf("qr channel closed")
			}
			if item.Event == "code" && item.Code != "" {
				png, err := EncodeQR(item.Code)
				if err != nil {
					return nil, "", err
				}
				log.Infof("pair:qr: got code len=%d account=%s", len(item.Code), s.accountID)
				return png, item.Code, nil
			}
			if item.Event != "code" && item.Event != "success" {
				return nil, "", fmt.Errorf("pairing ended: %s", item.Event)
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

func (s *Session) handleEvent(evt interface{}) {
	h := s.mgr.currentHandlers()
	switch e := evt.(type) {
	case *events.Connected:
		_ = s.mgr.Store.TouchLastSeen(context.Background(), s.accountID, time.Now())
	case *events.PairSuccess:
		if err := s.mgr.Store.SetSessionCredential(context.Background(), s.accountID, e.ID.String()); err != nil {
			s.mgr.log.Error().Err(err).Str("account_id", s.accountID).Msg("store session credential")
			return
		}
		s.pairingMu.Lock()
		s.pairingActive = false
		s.pairingMu.Unlock()
		s.mgr.log.Info().Str("account_id", s.accountID).Str("jid", e.ID.String()).Msg("paired")
		if h.OnPaired != nil {
			go h.OnPaired(s.accountID)
		}
	case *events.Disconnected, *events.LoggedOut, *events.StreamReplaced, *events.ConnectFailure:
		if h.OnDisconnect != nil {
			go h.OnDisconnect(s.accountID)
		}
	case *events.Message:
		if e.Info.IsGroup || h.OnInbound == nil {
			return
		}
		body := MessageText(e.Message)
		if body == "" {
			return
		}
		h.OnInbound(model.InboundMessage{
			AccountID:    s.accountID,
			SenderUserID: e.Info.Sender.User,
			PushName:     e.Info.PushName,
			Body:         body,
			FromMe:       e.Info.IsFromMe,
			At:           e.Info.Timestamp,
		})
	}
}

// MessageText extracts the plain text of a message, if any.
func MessageText(m *waProto.Message) string {
	if m == nil {
		return ""
	}
	if t := m.GetConversation(); t != "" {
		return strings.TrimSpace(t)
	}
	return strings.TrimSpace(m.GetExtendedTextMessage().GetText())
}

// ToJID accepts either a full JID or a bare phone number.
func ToJID(userID string) (types.JID, error) {
	userID = strings.TrimSpace(userID)
	if strings.Contains(userID, "@") {
		jid, err := types.ParseJID(userID)
		if err != nil {
			return types.JID{}, fmt.Errorf("parse JID: %w", err)
		}
		return jid, nil
	}
	user := strings.TrimPrefix(userID, "+")
	if user == "" {
		return types.JID{}, errors.New("empty user id")
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("invalid user id %q", userID)
		}
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

// strptr returns a pointer to the given string (helper for proto messages).
func strptr(s string) *string { return &s }
