// Package peer wraps the relay-brokered websocket channel between two
// installations. It owns connection lifecycle (host/join, code generation,
// open/close/error) and raw message send/receive; sync semantics live in the
// engine built on top of it.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Relay envelope events. The rendezvous relay bridges host and joiners and
// reports membership changes; "message" frames carry opaque application data.
const (
	eventMessage    = "message"
	eventPeerJoined = "peer-joined"
	eventPeerLeft   = "peer-left"
	eventError      = "error"
)

// Relay error reasons.
const (
	reasonHostExists = "host-exists"
	reasonNoSuchHost = "no-such-host"
)

type envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Config holds transport configuration.
type Config struct {
	RelayURL       string // ws:// or wss:// base URL of the rendezvous relay
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	HostRetries    int // fresh-code retries when a code collides
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig(relayURL string) Config {
	return Config{
		RelayURL:       relayURL,
		ConnectTimeout: 15 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		HostRetries:    5,
	}
}

// Transport is a single relay-brokered session. A host's sends are broadcast
// by the relay to every joined peer; the sync engine only ever expects to be
// paired with one.
type Transport struct {
	config Config

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   ConnectionState
	sendCh  chan []byte
	handler func([]byte)
	onClose func()
}

// NewTransport creates an idle transport.
func NewTransport(config Config) *Transport {
	return &Transport{
		config: config,
		state:  ConnectionState{Status: StatusIdle},
	}
}

// OnMessage registers the handler invoked for every application message
// received from the peer. Must be set before hosting or joining.
func (t *Transport) OnMessage(handler func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// OnClose registers a hook invoked once when the channel closes for any
// reason other than a local Disconnect.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// State returns a copy of the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// HostSession generates a session code, registers it with the relay, and
// waits for a peer to join. A code collision is retried with a fresh code;
// ErrInitTimeout is returned when no peer connects within ConnectTimeout.
func (t *Transport) HostSession(ctx context.Context) (string, error) {
	for attempt := 0; attempt <= t.config.HostRetries; attempt++ {
		code := GenerateCode()
		t.setState(ConnectionState{Status: StatusConnecting, Code: code, Role: RoleHost})

		retry, err := t.hostAttempt(ctx, code)
		if err == nil {
			return code, nil
		}
		if retry {
			log.Warn().Str("code", code).Msg("session code already in use, retrying with a fresh code")
			continue
		}
		t.setError(err)
		return "", err
	}

	err := fmt.Errorf("exhausted %d code attempts: %w", t.config.HostRetries+1, ErrInitTimeout)
	t.setError(err)
	return "", err
}

// hostAttempt registers one code with the relay and waits for the first peer.
// retry=true means the code collided and the caller should try another.
func (t *Transport) hostAttempt(ctx context.Context, code string) (retry bool, err error) {
	u, err := t.sessionURL(code, RoleHost)
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if err != nil {
		if dialCtx.Err() != nil {
			return false, ErrInitTimeout
		}
		return false, fmt.Errorf("failed to reach relay: %w", err)
	}

	// Wait synchronously for the first relay event: either a collision
	// rejection or the first peer joining.
	conn.SetReadDeadline(time.Now().Add(t.config.ConnectTimeout))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			return false, ErrInitTimeout
		}
		switch env.Event {
		case eventError:
			conn.Close()
			if env.Reason == reasonHostExists {
				return true, fmt.Errorf("code collision")
			}
			return false, fmt.Errorf("relay rejected session: %s", env.Reason)
		case eventPeerJoined:
			conn.SetReadDeadline(time.Time{})
			t.attach(conn, ConnectionState{Status: StatusConnected, Code: code, Role: RoleHost, PeerCount: 1})
			log.Info().Str("code", code).Msg("peer joined hosted session")
			return false, nil
		default:
			// ignore anything else until the session is live
		}
	}
}

// JoinSession connects to the session registered under code.
func (t *Transport) JoinSession(ctx context.Context, code string) error {
	t.setState(ConnectionState{Status: StatusConnecting, Code: code, Role: RoleJoiner})

	u, err := t.sessionURL(code, RoleJoiner)
	if err != nil {
		t.setError(err)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if err != nil {
		if dialCtx.Err() != nil {
			t.setError(ErrTimeout)
			return ErrTimeout
		}
		err = fmt.Errorf("failed to reach relay: %w", err)
		t.setError(err)
		return err
	}

	// The relay answers with peer-joined (host is live) or an error.
	conn.SetReadDeadline(time.Now().Add(t.config.ConnectTimeout))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		t.setError(ErrTimeout)
		return ErrTimeout
	}
	switch env.Event {
	case eventError:
		conn.Close()
		if env.Reason == reasonNoSuchHost {
			t.setError(ErrPeerUnavailable)
			return ErrPeerUnavailable
		}
		err = fmt.Errorf("relay rejected join: %s", env.Reason)
		t.setError(err)
		return err
	case eventPeerJoined:
		conn.SetReadDeadline(time.Time{})
		t.attach(conn, ConnectionState{Status: StatusConnected, Code: code, Role: RoleJoiner, PeerCount: 1})
		log.Info().Str("code", code).Msg("joined session")
		return nil
	default:
		conn.Close()
		err = fmt.Errorf("unexpected relay event %q during join", env.Event)
		t.setError(err)
		return err
	}
}

// Send broadcasts payload to all currently open channels (the relay fans out
// to every joined peer). Fails when no channel is open.
func (t *Transport) Send(payload []byte) error {
	t.mu.RLock()
	sendCh := t.sendCh
	connected := t.state.Status == StatusConnected
	t.mu.RUnlock()

	if !connected || sendCh == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(envelope{Event: eventMessage, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}

	select {
	case sendCh <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Disconnect closes the channel and returns the transport to disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	if t.sendCh != nil {
		close(t.sendCh)
		t.sendCh = nil
	}
	t.state.Status = StatusDisconnected
	t.state.PeerCount = 0
	t.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
		log.Info().Msg("peer session disconnected")
	}
}

// attach installs an open connection and starts the pumps.
func (t *Transport) attach(conn *websocket.Conn, state ConnectionState) {
	t.mu.Lock()
	t.conn = conn
	t.state = state
	t.sendCh = make(chan []byte, 64)
	sendCh := t.sendCh
	t.mu.Unlock()

	go t.writePump(conn, sendCh)
	go t.readPump(conn)
}

func (t *Transport) setState(state ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

func (t *Transport) setError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Status = StatusError
	t.state.Err = err.Error()
}

func (t *Transport) sessionURL(code string, role Role) (string, error) {
	base, err := url.Parse(t.config.RelayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	base.Path, err = url.JoinPath(base.Path, "session", code)
	if err != nil {
		return "", fmt.Errorf("invalid session path: %w", err)
	}
	q := base.Query()
	q.Set("role", string(role))
	if role == RoleJoiner {
		// joiners connect under a random identity
		q.Set("peer", uuid.New().String())
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// writePump drains the send channel and keeps the connection alive with pings.
func (t *Transport) writePump(conn *websocket.Conn, sendCh chan []byte) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Msg("failed to write message to peer channel")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("failed to ping relay")
				return
			}
		}
	}
}

// readPump dispatches relay envelopes until the channel closes.
func (t *Transport) readPump(conn *websocket.Conn) {
	defer t.channelClosed(conn)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("peer channel closed unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("discarding malformed relay envelope")
			continue
		}

		switch env.Event {
		case eventMessage:
			t.mu.RLock()
			handler := t.handler
			t.mu.RUnlock()
			if handler != nil {
				handler(env.Data)
			}
		case eventPeerJoined:
			t.adjustPeerCount(1)
		case eventPeerLeft:
			t.adjustPeerCount(-1)
		case eventError:
			log.Warn().Str("reason", env.Reason).Msg("relay reported error")
		default:
			log.Debug().Str("event", env.Event).Msg("ignoring unknown relay event")
		}
	}
}

func (t *Transport) adjustPeerCount(delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.PeerCount += delta
	if t.state.PeerCount < 0 {
		t.state.PeerCount = 0
	}
	log.Debug().Int("peer_count", t.state.PeerCount).Msg("session membership changed")
}

// channelClosed transitions to disconnected after a remote close and fires
// the close hook. A local Disconnect already cleared conn, so the hook only
// fires for remote/errored closes.
func (t *Transport) channelClosed(conn *websocket.Conn) {
	t.mu.Lock()
	local := t.conn == nil
	if !local {
		t.conn = nil
		if t.sendCh != nil {
			close(t.sendCh)
			t.sendCh = nil
		}
		t.state.Status = StatusDisconnected
		t.state.PeerCount = 0
	}
	onClose := t.onClose
	t.mu.Unlock()

	conn.Close()
	if !local && onClose != nil {
		onClose()
	}
}
