package echoapi

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-realtime/core"
	"github.com/trezcool/masomo-realtime/core/realtime"
	"github.com/trezcool/masomo-realtime/services/broadcast"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// controlMessage is what clients send to change their channel selection.
type controlMessage struct {
	Action   string   `json:"action" validate:"required,oneof=subscribe unsubscribe"`
	Channels []string `json:"channels" validate:"required,min=1,dive,required,channel"`
}

// channelsAck answers a control message with the resulting selection.
type channelsAck struct {
	All      bool     `json:"all"`
	Channels []string `json:"channels"`
}

type errorFrame struct {
	Error interface{} `json:"error"`
}

// gateway streams hub broadcasts to websocket clients.
type gateway struct {
	hub        *broadcast.Hub
	logger     core.Logger
	metrics    *realtime.Metrics
	validate   *validator.Validate
	translator ut.Translator
	conf       core.RealtimeConfig
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	done    chan struct{}
	closed  bool
}

func newGateway(deps ServerDeps) *gateway {
	return &gateway{
		hub:        deps.Hub,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		validate:   deps.Validate,
		translator: deps.Translator,
		conf:       deps.Conf.Realtime,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(deps.Conf.Realtime.AllowedOrigins),
		},
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
}

// checkOrigin accepts requests without an Origin (non-browser clients), same-origin
// requests and the configured origins.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (g *gateway) serve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	var chs Channels
	chs.Bind(ctx)
	if err = chs.Validate(g.validate); err != nil {
		return err
	}

	conn, err := g.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		g.logger.Debug(fmt.Sprintf("problem initiating websocket: %v", err), claims.Identity())
		return nil
	}
	defer conn.Close()

	c := newClient(conn, claims.Identity(), chs.Names, g.conf.ClientBuffer)
	if !g.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(g.conf.WriteWait))
		return nil
	}
	defer g.unregister(c)

	unsubscribe := g.hub.Subscribe(c.wants, g.deliver(c))
	defer unsubscribe()

	g.logger.Debug(fmt.Sprintf("client %s connected, channels %v", c.id, chs.Names), c.identity)
	go g.readLoop(c)
	g.writeLoop(c)
	g.logger.Debug(fmt.Sprintf("client %s disconnected", c.id), c.identity)
	return nil
}

// deliver hands hub broadcasts to c without ever blocking the hub.
func (g *gateway) deliver(c *client) func(channel string, payload interface{}) {
	return func(channel string, payload interface{}) {
		if !c.enqueue(broadcast.Message{Channel: channel, Data: payload}) {
			g.metrics.FrameDropped()
			if c.stall() { // once per stall; dropped_frames_total has the count
				g.logger.Warn(fmt.Sprintf("client %s: send buffer full, dropping frames", c.id), c.identity)
			}
		}
	}
}

// readLoop handles control messages until the connection fails or is closed by serve.
func (g *gateway) readLoop(c *client) {
	defer close(c.readDone)

	c.conn.SetReadDeadline(time.Now().Add(g.conf.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(g.conf.PongWait))
		return nil
	})

	for {
		var msg controlMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug(fmt.Sprintf("client %s: read error: %v", c.id, err), c.identity)
			}
			return
		}
		if err := g.validate.Struct(msg); err != nil {
			var frame errorFrame
			if vErrs, ok := err.(validator.ValidationErrors); ok {
				frame.Error = core.FieldErrors(vErrs, g.translator)
			} else {
				frame.Error = err.Error()
			}
			c.reply(frame)
			continue
		}

		switch msg.Action {
		case actionSubscribe:
			c.subscribe(msg.Channels)
		case actionUnsubscribe:
			c.unsubscribe(msg.Channels)
		}
		all, names := c.selection()
		c.reply(channelsAck{All: all, Channels: names})
	}
}

// writeLoop owns every write on the connection: frames, pings and the final close.
func (g *gateway) writeLoop(c *client) {
	ticker := time.NewTicker(g.conf.PingPeriod)
	defer ticker.Stop()
	defer close(c.quit)

	for {
		select {
		case <-g.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(g.conf.WriteWait))
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(g.conf.WriteWait)); err != nil {
				// expected if the other end goes away
				g.logger.Debug(fmt.Sprintf("client %s: failed to write ping: %v", c.id, err), c.identity)
				return
			}
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(g.conf.WriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				g.logger.Debug(fmt.Sprintf("client %s: write error: %v", c.id, err), c.identity)
				return
			}
		}
	}
}

func (g *gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c.id] = c
	g.metrics.ClientConnected()
	return true
}

func (g *gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c.id]; ok {
		delete(g.clients, c.id)
		g.metrics.ClientDisconnected()
	}
}

func (g *gateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// clientInfo describes a connected client to operators.
type clientInfo struct {
	ID       string   `json:"id"`
	User     string   `json:"user"`
	All      bool     `json:"all"`
	Channels []string `json:"channels"`
}

func (g *gateway) listClients(ctx echo.Context) error {
	g.mu.Lock()
	infos := make([]clientInfo, 0, len(g.clients))
	for _, c := range g.clients {
		all, names := c.selection()
		infos = append(infos, clientInfo{ID: c.id, User: c.identity.ID, All: all, Channels: names})
	}
	g.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return ctx.JSON(http.StatusOK, infos)
}

// close disconnects every client and refuses new ones.
func (g *gateway) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.done)
	}
}

type client struct {
	id       string
	identity core.Identity
	conn     *websocket.Conn
	send     chan interface{}
	readDone chan struct{}
	quit     chan struct{}
	stalled  atomic.Bool

	// A client without an initial selection gets every channel until its
	// first control message; from then on only what it subscribed to.
	mu       sync.RWMutex
	all      bool
	channels map[string]bool
}

func newClient(conn *websocket.Conn, identity core.Identity, channels []string, buffer int) *client {
	c := &client{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		send:     make(chan interface{}, buffer),
		readDone: make(chan struct{}),
		quit:     make(chan struct{}),
		all:      len(channels) == 0,
		channels: make(map[string]bool, len(channels)),
	}
	for _, ch := range channels {
		c.channels[ch] = true
	}
	return c
}

func (c *client) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all || c.channels[channel]
}

func (c *client) subscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = false
	for _, ch := range channels {
		c.channels[ch] = true
	}
}

func (c *client) unsubscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = false
	for _, ch := range channels {
		delete(c.channels, ch)
	}
}

func (c *client) selection() (all bool, names []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names = make([]string, 0, len(c.channels))
	for ch := range c.channels {
		names = append(names, ch)
	}
	sort.Strings(names)
	return c.all, names
}

// enqueue never blocks the hub; it reports false when the frame was dropped.
func (c *client) enqueue(frame interface{}) bool {
	select {
	case c.send <- frame:
		c.stalled.Store(false)
		return true
	default:
		return false
	}
}

// stall marks the client as dropping frames and reports whether it just started.
func (c *client) stall() bool {
	return c.stalled.CompareAndSwap(false, true)
}

// reply queues a control answer, waiting for room unless the client is gone.
func (c *client) reply(frame interface{}) {
	select {
	case c.send <- frame:
	case <-c.quit:
	}
}
