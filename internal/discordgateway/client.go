// Package discordgateway implements a raw Discord Gateway v10 client:
// HELLO/IDENTIFY/RESUME/heartbeat session management over a plain JSON
// WebSocket connection. discordgo's Session type abstracts this machinery
// away, but resume handling and opcode-level control here need direct
// access to the wire protocol, so the session is hand-rolled on top of
// gorilla/websocket (the same transport the OneBot side uses) while
// discordgo's REST structs are reused in internal/outbound.
package discordgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nbot/orchestrator/internal/nberr"
)

// Gateway opcodes.
const (
	OpDispatch           = 0
	OpHeartbeat          = 1
	OpIdentify           = 2
	OpResume             = 6
	OpReconnect          = 7
	OpInvalidSession     = 9
	OpHello              = 10
	OpHeartbeatAck       = 11
)

// Intents bitmask: GUILDS|GUILD_MESSAGES|DIRECT_MESSAGES|MESSAGE_CONTENT.
const Intents = (1 << 0) | (1 << 9) | (1 << 12) | (1 << 15)

const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Payload is the Gateway's generic envelope.
type Payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// ResumeState carries what RESUME needs across a reconnect.
type ResumeState struct {
	SessionID        string
	ResumeGatewayURL string
	Seq              int64
}

// Handlers are the callbacks the supervisor installs to react to dispatch
// events without the gateway package depending on the event pipeline.
type Handlers struct {
	OnReady        func(selfID, sessionID, resumeGatewayURL string)
	OnMessageCreate func(raw json.RawMessage)
	OnConnected    func()
	OnDisconnected func()
}

// Client runs one Discord Gateway session to completion (until a
// non-resumable close, a fatal error, or ctx cancellation), honoring
// exponential backoff between attempts by the caller.
type Client struct {
	token      string
	gatewayURL string
	handlers   Handlers
}

// New creates a gateway client for the given bot token.
func New(token string, handlers Handlers) *Client {
	return &Client{token: token, gatewayURL: defaultGatewayURL, handlers: handlers}
}

// RunOnce dials the gateway once and serves the session until it ends,
// returning the resume state (if any) for the next attempt. Cancellation
// via ctx is honored at every suspension point.
func (c *Client) RunOnce(ctx context.Context, resume *ResumeState) (*ResumeState, error) {
	url := c.gatewayURL
	if resume != nil && resume.ResumeGatewayURL != "" {
		url = resume.ResumeGatewayURL
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return resume, nberr.Wrap(nberr.Transport, "dial discord gateway", err)
	}
	defer conn.Close()

	session := &sessionState{
		conn:     conn,
		handlers: c.handlers,
		token:    c.token,
		seq:      0,
	}
	if resume != nil {
		session.seq = resume.Seq
	}

	hello, err := session.awaitHello(ctx)
	if err != nil {
		return resume, err
	}

	if resume != nil && resume.SessionID != "" {
		if err := session.sendResume(resume.SessionID); err != nil {
			return resume, err
		}
	} else {
		if err := session.sendIdentify(); err != nil {
			return resume, err
		}
	}

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
	defer func() {
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected()
		}
	}()

	return session.serve(ctx, hello.HeartbeatInterval)
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type sessionState struct {
	conn     *websocket.Conn
	handlers Handlers
	token    string
	seq      int64

	sessionID        string
	resumeGatewayURL string
}

func (s *sessionState) awaitHello(ctx context.Context) (*helloData, error) {
	var p Payload
	if err := s.readPayload(ctx, &p); err != nil {
		return nil, err
	}
	if p.Op != OpHello {
		return nil, nberr.New(nberr.Transport, fmt.Sprintf("expected HELLO, got op=%d", p.Op))
	}
	var h helloData
	if err := json.Unmarshal(p.D, &h); err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "decode hello", err)
	}
	return &h, nil
}

func (s *sessionState) sendIdentify() error {
	payload := Payload{Op: OpIdentify}
	d, _ := json.Marshal(map[string]any{
		"token":   s.token,
		"intents": Intents,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "nBot",
			"device":  "nBot",
		},
	})
	payload.D = d
	return s.writePayload(payload)
}

func (s *sessionState) sendResume(sessionID string) error {
	payload := Payload{Op: OpResume}
	d, _ := json.Marshal(map[string]any{
		"token":      s.token,
		"session_id": sessionID,
		"seq":        s.seq,
	})
	payload.D = d
	return s.writePayload(payload)
}

func (s *sessionState) sendHeartbeat() error {
	var seq *int64
	if s.seq != 0 {
		seq = &s.seq
	}
	d, _ := json.Marshal(seq)
	return s.writePayload(Payload{Op: OpHeartbeat, D: d})
}

func (s *sessionState) readPayload(ctx context.Context, p *Payload) error {
	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{err: json.Unmarshal(data, p)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nberr.Wrap(nberr.Transport, "read gateway frame", r.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sessionState) writePayload(p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return nberr.Wrap(nberr.BadRequest, "marshal gateway payload", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nberr.Wrap(nberr.Transport, "write gateway frame", err)
	}
	return nil
}

// serve runs the heartbeat timer and dispatch loop until the connection
// closes or ctx is canceled, returning the resume state for the caller's
// next reconnect attempt.
func (s *sessionState) serve(ctx context.Context, heartbeatIntervalMs int64) (*ResumeState, error) {
	if err := s.sendHeartbeat(); err != nil {
		return s.currentResumeState(), err
	}

	heartbeat := time.NewTicker(time.Duration(heartbeatIntervalMs) * time.Millisecond)
	defer heartbeat.Stop()

	frames := make(chan Payload)
	readErrs := make(chan error, 1)
	go func() {
		for {
			var p Payload
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			if err := json.Unmarshal(data, &p); err != nil {
				continue
			}
			frames <- p
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return s.currentResumeState(), ctx.Err()

		case <-heartbeat.C:
			if err := s.sendHeartbeat(); err != nil {
				return s.currentResumeState(), err
			}

		case err := <-readErrs:
			return s.currentResumeState(), nberr.Wrap(nberr.Transport, "gateway connection closed", err)

		case p := <-frames:
			if p.S != nil {
				s.seq = *p.S
			}
			switch p.Op {
			case OpHeartbeat:
				if err := s.sendHeartbeat(); err != nil {
					return s.currentResumeState(), err
				}
			case OpReconnect:
				return s.currentResumeState(), nberr.New(nberr.Transport, "gateway requested reconnect")
			case OpInvalidSession:
				var canResume bool
				_ = json.Unmarshal(p.D, &canResume)
				if !canResume {
					return nil, nberr.New(nberr.Transport, "invalid session, cannot resume")
				}
				return s.currentResumeState(), nberr.New(nberr.Transport, "invalid session, resumable")
			case OpDispatch:
				s.handleDispatch(p)
			}
		}
	}
}

func (s *sessionState) handleDispatch(p Payload) {
	switch p.T {
	case "READY":
		var ready struct {
			SessionID        string `json:"session_id"`
			ResumeGatewayURL string `json:"resume_gateway_url"`
			User             struct {
				ID string `json:"id"`
			} `json:"user"`
		}
		if err := json.Unmarshal(p.D, &ready); err != nil {
			return
		}
		s.sessionID = ready.SessionID
		s.resumeGatewayURL = ready.ResumeGatewayURL
		if s.handlers.OnReady != nil {
			s.handlers.OnReady(ready.User.ID, ready.SessionID, ready.ResumeGatewayURL)
		}
	case "MESSAGE_CREATE":
		var author struct {
			Author struct {
				Bot bool `json:"bot"`
			} `json:"author"`
		}
		if err := json.Unmarshal(p.D, &author); err == nil && author.Author.Bot {
			return
		}
		if s.handlers.OnMessageCreate != nil {
			s.handlers.OnMessageCreate(p.D)
		}
	}
}

func (s *sessionState) currentResumeState() *ResumeState {
	if s.sessionID == "" {
		return nil
	}
	return &ResumeState{SessionID: s.sessionID, ResumeGatewayURL: s.resumeGatewayURL, Seq: s.seq}
}
