package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultStreamURL is the production account streamer endpoint.
	DefaultStreamURL = "wss://streamer.tastyworks.com"

	heartbeatInterval = 30 * time.Second
	streamReadTimeout = 90 * time.Second
	maxStreamBackoff  = 30 * time.Second
	streamWriteWait   = 10 * time.Second
	orderEventBuffer  = 256
)

// OrderEvent is one push notification about an order in a subscribed
// account.
type OrderEvent struct {
	AccountNumber string
	Order         PlacedOrder
	ReceivedAt    time.Time
}

// streamMessage is the streamer's envelope for both control responses and
// data pushes.
type streamMessage struct {
	Type    string          `json:"type,omitempty"`
	Action  string          `json:"action,omitempty"`
	Status  string          `json:"status,omitempty"`
	Account string          `json:"timestamp-account,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type streamRequest struct {
	Action    string   `json:"action"`
	Value     []string `json:"value,omitempty"`
	AuthToken string   `json:"auth-token"`
}

// AccountStream maintains the account-streamer websocket and surfaces order
// pushes as OrderEvents. It reconnects with exponential backoff and
// re-subscribes every tracked account on reconnect.
type AccountStream struct {
	url       string
	authToken string

	conn   *websocket.Conn
	connMu sync.Mutex

	accountsMu sync.RWMutex
	accounts   map[string]bool

	orderCh chan OrderEvent
	logger  *logrus.Logger
}

// NewAccountStream builds a streamer bound to one session token.
func NewAccountStream(url, authToken string, logger *logrus.Logger) *AccountStream {
	if url == "" {
		url = DefaultStreamURL
	}
	return &AccountStream{
		url:       url,
		authToken: authToken,
		accounts:  make(map[string]bool),
		orderCh:   make(chan OrderEvent, orderEventBuffer),
		logger:    logger,
	}
}

// OrderEvents returns the read-only channel of order pushes.
func (s *AccountStream) OrderEvents() <-chan OrderEvent { return s.orderCh }

// Subscribe adds accounts to the live subscription set.
func (s *AccountStream) Subscribe(accountNumbers []string) error {
	s.accountsMu.Lock()
	for _, acct := range accountNumbers {
		s.accounts[acct] = true
	}
	s.accountsMu.Unlock()

	return s.writeJSON(streamRequest{
		Action:    "connect",
		Value:     accountNumbers,
		AuthToken: s.authToken,
	})
}

// Run connects and maintains the streamer connection until ctx is
// cancelled.
func (s *AccountStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.WithError(err).WithField("backoff", backoff).Warn("Account stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxStreamBackoff {
			backoff = maxStreamBackoff
		}
	}
}

// Close closes the underlying connection if one is open.
func (s *AccountStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *AccountStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("Account stream connected")

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

func (s *AccountStream) resubscribe() error {
	s.accountsMu.RLock()
	accounts := make([]string, 0, len(s.accounts))
	for acct := range s.accounts {
		accounts = append(accounts, acct)
	}
	s.accountsMu.RUnlock()

	if len(accounts) == 0 {
		return nil
	}
	return s.writeJSON(streamRequest{
		Action:    "connect",
		Value:     accounts,
		AuthToken: s.authToken,
	})
}

func (s *AccountStream) dispatch(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.WithField("data", string(data)).Debug("Ignoring non-json stream message")
		return
	}

	switch msg.Type {
	case "Order":
		var order PlacedOrder
		if err := json.Unmarshal(msg.Data, &order); err != nil {
			s.logger.WithError(err).Error("Unmarshal order event")
			return
		}
		evt := OrderEvent{
			AccountNumber: msg.Account,
			Order:         order,
			ReceivedAt:    time.Now().UTC(),
		}
		select {
		case s.orderCh <- evt:
		default:
			s.logger.WithField("order_id", order.ID).Warn("Order event channel full, dropping event")
		}
	case "":
		// Control responses to connect/heartbeat carry an action, not a type.
		if msg.Action != "" && msg.Status == "error" {
			s.logger.WithField("action", msg.Action).Warn("Streamer rejected request")
		}
	default:
		s.logger.WithField("type", msg.Type).Debug("Ignoring stream event")
	}
}

func (s *AccountStream) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(streamRequest{Action: "heartbeat", AuthToken: s.authToken}); err != nil {
				s.logger.WithError(err).Warn("Heartbeat failed")
				return
			}
		}
	}
}

func (s *AccountStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteJSON(v)
}
