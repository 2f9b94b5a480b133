package lava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// NodeConfig identifies and authenticates one audio node.
type NodeConfig struct {
	Host     string
	Port     int
	Password string
	Label    string
	Secure   bool
}

var (
	// ErrNodeNotConnected is returned for REST calls before the websocket
	// handshake has produced a session id.
	ErrNodeNotConnected = errors.New("lava: node not connected")

	// ErrPlayerNotFound means the node no longer knows the player the call
	// referred to. Callers should drop the connection handle.
	ErrPlayerNotFound = errors.New("lava: player not found on node")
)

const (
	handshakeTimeout = 10 * time.Second
	reconnectDelay   = 5 * time.Second
	restTimeout      = 10 * time.Second
)

// Node is a single audio-node connection: one websocket for events plus a
// REST client for player mutations and track loading.
type Node struct {
	cfg    NodeConfig
	userID string
	sink   EventSink
	log    zerolog.Logger
	http   *http.Client

	mu        sync.RWMutex
	conn      *websocket.Conn
	sessionID string
	connected bool
	dialing   bool
	closed    bool
}

// NewNode creates a node client. Connect must be called before use.
func NewNode(cfg NodeConfig, userID string, sink EventSink, log zerolog.Logger) *Node {
	return &Node{
		cfg:    cfg,
		userID: userID,
		sink:   sink,
		log:    log.With().Str("component", "lava").Str("node", cfg.Label).Logger(),
		http:   &http.Client{Timeout: restTimeout},
	}
}

// SetSink installs the event sink. Must be called before Connect.
func (n *Node) SetSink(sink EventSink) {
	n.sink = sink
}

// SetUserID sets the bot user id the node handshake identifies as. Must be
// called before Connect; the id is only known once the platform gateway is
// ready.
func (n *Node) SetUserID(userID string) {
	n.mu.Lock()
	n.userID = userID
	n.mu.Unlock()
}

// Connected reports whether the event stream is up and a session exists.
func (n *Node) Connected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected && n.sessionID != ""
}

// Connect dials the node's websocket and starts the read loop. The read loop
// reconnects on its own until Close is called. At most one dial runs at a
// time; a Connect racing an in-flight dial returns immediately and the REST
// layer reports ErrNodeNotConnected until the handshake lands.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.connected || n.dialing {
		n.mu.Unlock()
		return nil
	}
	n.dialing = true
	userID := n.userID
	n.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", n.cfg.Password)
	header.Set("User-Id", userID)
	header.Set("Client-Name", "cadenza/1.0")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, n.wsURL(), header)
	if err != nil {
		n.mu.Lock()
		n.dialing = false
		n.mu.Unlock()
		return fmt.Errorf("lava: dial %s: %w", n.cfg.Label, err)
	}

	n.mu.Lock()
	n.conn = conn
	n.connected = true
	n.dialing = false
	n.mu.Unlock()

	n.log.Info().Str("host", n.cfg.Host).Msg("node connected")
	go n.readLoop(conn)
	return nil
}

// Close tears down the websocket and stops reconnecting.
func (n *Node) Close() {
	n.mu.Lock()
	n.closed = true
	conn := n.conn
	n.conn = nil
	n.connected = false
	n.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (n *Node) wsURL() string {
	scheme := "ws"
	if n.cfg.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, n.cfg.Host, n.cfg.Port)
}

func (n *Node) restURL(path string) string {
	scheme := "http"
	if n.cfg.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, n.cfg.Host, n.cfg.Port, path)
}

func (n *Node) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			n.handleDisconnect(conn, err)
			return
		}
		n.dispatch(message)
	}
}

// handleDisconnect reacts to a read loop dying. A conn that is no longer the
// node's current one was already superseded; tearing down state for it would
// flap a healthy connection.
func (n *Node) handleDisconnect(conn *websocket.Conn, cause error) {
	n.mu.Lock()
	if n.conn != conn {
		n.mu.Unlock()
		return
	}
	n.connected = false
	n.sessionID = ""
	n.conn = nil
	closed := n.closed
	n.mu.Unlock()

	if closed {
		return
	}
	n.log.Warn().Err(cause).Msg("node disconnected, reconnecting")

	go func() {
		for {
			time.Sleep(reconnectDelay)
			n.mu.RLock()
			closed := n.closed
			n.mu.RUnlock()
			if closed {
				return
			}
			if err := n.Connect(context.Background()); err == nil {
				return
			}
		}
	}()
}

type wsMessage struct {
	Op        string          `json:"op"`
	SessionID string          `json:"sessionId"`
	Resumed   bool            `json:"resumed"`
	Type      string          `json:"type"`
	GuildID   string          `json:"guildId"`
	State     *PlayerState    `json:"state"`
	Track     json.RawMessage `json:"track"`
	Reason    string          `json:"reason"`
	Code      int             `json:"code"`
	ByRemote  bool            `json:"byRemote"`
}

func (n *Node) dispatch(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		n.log.Debug().Err(err).Msg("undecodable node message")
		return
	}

	switch msg.Op {
	case "ready":
		n.mu.Lock()
		n.sessionID = msg.SessionID
		n.mu.Unlock()
		n.log.Info().Str("session", msg.SessionID).Bool("resumed", msg.Resumed).Msg("node ready")
		n.sink.OnNodeReady(msg.SessionID, msg.Resumed)

	case "playerUpdate":
		if msg.State != nil {
			n.sink.OnPlayerUpdate(msg.GuildID, *msg.State)
		}

	case "event":
		n.dispatchEvent(&msg)

	case "stats":
		// Node load statistics, not consumed.
	}
}

func (n *Node) dispatchEvent(msg *wsMessage) {
	switch msg.Type {
	case "TrackStartEvent":
		var track Track
		if err := json.Unmarshal(msg.Track, &track); err != nil {
			n.log.Debug().Err(err).Msg("undecodable track in start event")
			return
		}
		n.sink.OnTrackStart(msg.GuildID, track)

	case "TrackEndEvent":
		var track Track
		if err := json.Unmarshal(msg.Track, &track); err != nil {
			n.log.Debug().Err(err).Msg("undecodable track in end event")
			return
		}
		n.sink.OnTrackEnd(msg.GuildID, track, EndReason(msg.Reason))

	case "WebSocketClosedEvent":
		n.sink.OnWebSocketClosed(msg.GuildID, msg.Code, msg.Reason, msg.ByRemote)

	case "TrackExceptionEvent", "TrackStuckEvent":
		n.log.Warn().Str("guild", msg.GuildID).Str("event", msg.Type).Msg("track trouble reported by node")
	}
}

// --- REST ---

func (n *Node) session() (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.connected || n.sessionID == "" {
		return "", ErrNodeNotConnected
	}
	return n.sessionID, nil
}

func (n *Node) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("lava: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, n.restURL(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("lava: build request: %w", err)
	}
	req.Header.Set("Authorization", n.cfg.Password)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("lava: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrPlayerNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("lava: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("lava: decode response: %w", err)
		}
	}
	return nil
}

// LoadTracks resolves a URL or search query into tracks.
func (n *Node) LoadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	if _, err := n.session(); err != nil {
		return nil, err
	}

	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier)

	var raw struct {
		LoadType LoadType        `json:"loadType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := n.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	result := &LoadResult{LoadType: raw.LoadType}
	switch raw.LoadType {
	case LoadTypeTrack:
		var track Track
		if err := json.Unmarshal(raw.Data, &track); err != nil {
			return nil, fmt.Errorf("lava: decode track result: %w", err)
		}
		result.Tracks = []Track{track}
	case LoadTypePlaylist:
		var playlist struct {
			Info struct {
				Name string `json:"name"`
			} `json:"info"`
			Tracks []Track `json:"tracks"`
		}
		if err := json.Unmarshal(raw.Data, &playlist); err != nil {
			return nil, fmt.Errorf("lava: decode playlist result: %w", err)
		}
		result.Playlist = &Playlist{Name: playlist.Info.Name, Tracks: playlist.Tracks}
	case LoadTypeSearch:
		if err := json.Unmarshal(raw.Data, &result.Tracks); err != nil {
			return nil, fmt.Errorf("lava: decode search result: %w", err)
		}
	case LoadTypeError:
		var loadErr LoadError
		if err := json.Unmarshal(raw.Data, &loadErr); err == nil {
			result.Error = &loadErr
		}
	}
	return result, nil
}

// UpdatePlayer applies a partial player update for a guild.
func (n *Node) UpdatePlayer(ctx context.Context, guildID string, upd PlayerUpdate) error {
	sessionID, err := n.session()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v4/sessions/%s/players/%s?noReplace=false", sessionID, guildID)
	return n.do(ctx, http.MethodPatch, path, upd, nil)
}

// DestroyPlayer removes the guild's player from the node.
func (n *Node) DestroyPlayer(ctx context.Context, guildID string) error {
	sessionID, err := n.session()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
	return n.do(ctx, http.MethodDelete, path, nil, nil)
}

// SendVoiceUpdate forwards the platform voice credentials for a guild so the
// node can attach to its voice transport.
func (n *Node) SendVoiceUpdate(ctx context.Context, guildID string, voice VoiceServer) error {
	return n.UpdatePlayer(ctx, guildID, PlayerUpdate{Voice: &voice})
}
