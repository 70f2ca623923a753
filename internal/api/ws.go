package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/models"
	"counselbook/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxFrameSize   = 16 << 10
	wsDefaultOutSize = 64
)

// Realtime upgrades /ws requests and dispatches client events to the session services.
type Realtime struct {
	rooms      *session.Coordinator
	extensions *session.Negotiator
	tokens     *TokenVerifier
	queueSize  int
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewRealtime(rooms *session.Coordinator, extensions *session.Negotiator, tokens *TokenVerifier, queueSize int, logger *zerolog.Logger) *Realtime {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "realtime").Logger()
	}
	if queueSize <= 0 {
		queueSize = wsDefaultOutSize
	}
	return &Realtime{
		rooms:      rooms,
		extensions: extensions,
		tokens:     tokens,
		queueSize:  queueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Клиенты приходят с разных доменов, доступ проверяется токеном
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   base,
		conns: make(map[string]*websocket.Conn),
	}
}

// inboundFrame is a client-to-server frame.
type inboundFrame struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id"`
	Data  json.RawMessage `json:"data"`
}

type joinRoomData struct {
	BookingID int64  `json:"bookingId"`
	Token     string `json:"token"`
}

type chatMessageData struct {
	BookingID int64  `json:"bookingId"`
	Content   string `json:"content"`
}

type bookingData struct {
	BookingID int64 `json:"bookingId"`
}

type requestExtensionData struct {
	BookingID   int64 `json:"bookingId"`
	OptionIndex int   `json:"optionIndex"`
}

type respondExtensionData struct {
	BookingID   int64 `json:"bookingId"`
	Accepted    bool  `json:"accepted"`
	OptionIndex int   `json:"optionIndex"`
}

type processPaymentData struct {
	BookingID        int64  `json:"bookingId"`
	OptionIndex      int    `json:"optionIndex"`
	PaymentReference string `json:"paymentReference"`
}

// ackData answers a client request event.
type ackData struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Result  any    `json:"result,omitempty"`
}

type chatHistory struct {
	BookingID int64            `json:"bookingId"`
	Messages  []models.Message `json:"messages"`
}

// wsClient is the state of one upgraded connection.
type wsClient struct {
	rt     *Realtime
	conn   *websocket.Conn
	outbox *session.Outbox
	log    zerolog.Logger
}

func (rt *Realtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := ""
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		id, err := rt.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid identity token", "unauthenticated")
			return
		}
		identity = id.UserID
	}

	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	client := &wsClient{
		rt:     rt,
		conn:   conn,
		outbox: session.NewOutbox(connID, identity, rt.queueSize),
		log:    rt.log.With().Str("conn_id", connID).Logger(),
	}
	rt.track(connID, conn)
	client.log.Debug().Str("identity", identity).Msg("connection opened")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writeLoop()
	}()

	client.readLoop(ctx)

	cancel()
	rt.rooms.Leave(client.outbox)
	client.outbox.Close()
	<-done
	rt.untrack(connID)
	_ = conn.Close()
	client.log.Debug().Msg("connection closed")
}

// CloseAll drops every live connection. Used on shutdown.
func (rt *Realtime) CloseAll() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, conn := range rt.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
		delete(rt.conns, id)
	}
}

func (rt *Realtime) track(id string, conn *websocket.Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.conns[id] = conn
}

func (rt *Realtime) untrack(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.conns, id)
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.outbox.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				_ = c.conn.Close()
				c.drain()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				c.drain()
				return
			}
		}
	}
}

// drain discards queued events until the outbox is closed by the reader.
func (c *wsClient) drain() {
	for range c.outbox.Events() {
	}
}

func (c *wsClient) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(wsMaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.ack("", nil, fmt.Errorf("%w: malformed frame", domain.ErrValidation))
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *wsClient) dispatch(ctx context.Context, frame inboundFrame) {
	if frame.Event == session.EventJoinRoom {
		var in joinRoomData
		if err := c.unmarshal(frame, &in); err != nil {
			return
		}
		result, err := c.join(ctx, in)
		c.ack(frame.AckID, result, err)
		if err == nil {
			c.outbox.Send(session.Event{
				Name: session.EventChatHistory,
				Data: chatHistory{BookingID: result.BookingID, Messages: result.Transcript},
			})
		}
		return
	}

	identity := c.outbox.Identity()
	if identity == "" {
		c.ack(frame.AckID, nil, fmt.Errorf("%w: join a room first", domain.ErrNotAuthorized))
		return
	}

	switch frame.Event {
	case session.EventChatMessage:
		var in chatMessageData
		if err := c.unmarshal(frame, &in); err != nil {
			return
		}
		msg, err := c.rt.rooms.Send(ctx, c.outbox, in.BookingID, in.Content)
		c.ack(frame.AckID, msg, err)

	case session.EventTyping:
		var in bookingData
		if err := json.Unmarshal(frame.Data, &in); err != nil {
			return
		}
		_ = c.rt.rooms.Typing(c.outbox, in.BookingID)

	case session.EventFinishSession:
		var in bookingData
		if err := c.unmarshal(frame, &in); err != nil {
			return
		}
		c.ack(frame.AckID, nil, c.rt.rooms.Finish(ctx, c.outbox, in.BookingID))

	case session.EventRequestExtension:
		var in requestExtensionData
		if err := c.unmarshal(frame, &in); err != nil {
			return
		}
		req, err := c.rt.extensions.Request(ctx, identity, in.BookingID, in.OptionIndex)
		c.ack(frame.AckID, req, err)

	case session.EventRespondExtension:
		var in respondExtensionData
		if err := c.unmarshal(frame, &in); err != nil {
			return
		}
		c.ack(frame.AckID, nil, c.rt.extensions.Respond(ctx, identity, in.BookingID, in.Accepted, in.OptionIndex))

	case session.EventProcessPayment:
		var in processPaymentData
		if err := c.unmarshal(frame, &in); err != nil {
			return
		}
		done, err := c.rt.extensions.ProcessPayment(ctx, identity, in.BookingID, in.OptionIndex, in.PaymentReference)
		c.ack(frame.AckID, done, err)

	default:
		c.ack(frame.AckID, nil, fmt.Errorf("%w: unknown event %q", domain.ErrValidation, frame.Event))
	}
}

// join binds the connection to the token identity on first use and admits it to the room.
func (c *wsClient) join(ctx context.Context, in joinRoomData) (*session.JoinResult, error) {
	if in.Token != "" {
		id, err := c.rt.tokens.Verify(in.Token)
		if err != nil {
			return nil, err
		}
		current := c.outbox.Identity()
		if current != "" && current != id.UserID {
			return nil, fmt.Errorf("%w: connection is bound to another identity", domain.ErrNotAuthorized)
		}
		c.outbox.SetIdentity(id.UserID)
	}
	if c.outbox.Identity() == "" {
		return nil, fmt.Errorf("%w: missing identity token", domain.ErrNotAuthorized)
	}
	if in.BookingID <= 0 {
		return nil, fmt.Errorf("%w: bookingId is required", domain.ErrValidation)
	}
	return c.rt.rooms.Join(ctx, c.outbox, in.BookingID)
}

func (c *wsClient) unmarshal(frame inboundFrame, dst any) error {
	if err := json.Unmarshal(frame.Data, dst); err != nil {
		err = fmt.Errorf("%w: invalid %s payload", domain.ErrValidation, frame.Event)
		c.ack(frame.AckID, nil, err)
		return err
	}
	return nil
}

func (c *wsClient) ack(ackID string, result any, err error) {
	data := ackData{Success: err == nil}
	if err == nil {
		data.Result = result
	} else {
		data.Kind = domain.Kind(err)
		data.Message = publicMessage(err, httpStatus(err))
		if httpStatus(err) >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Msg("event failed")
		}
	}
	c.outbox.Send(session.Event{Name: session.EventAck, AckID: ackID, Data: data})
}
