package echoapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-realtime/core"
	"github.com/trezcool/masomo-realtime/services/broadcast"
)

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/realtime" + query
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func read(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestGateway_ChannelSelection(t *testing.T) {
	srv, hub := setup(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts, "?channels=courses&token="+getToken(t, "7", "teacher:")), nil)

	// the ack also tells us the hub subscription is in place
	send(t, conn, controlMessage{Action: actionSubscribe, Channels: []string{"exams"}})
	var ack channelsAck
	read(t, conn, &ack)
	assert.Equal(t, channelsAck{All: false, Channels: []string{"courses", "exams"}}, ack)

	req, rec := newAuthRequest(http.MethodGet, "/v1/realtime/clients", getToken(t, "1", "admin:all"))
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []clientInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "7", infos[0].User)
	assert.Equal(t, []string{"courses", "exams"}, infos[0].Channels)

	hub.Broadcast("students", "ignored")
	hub.Broadcast("courses", "A")
	hub.Broadcast("exams", map[string]interface{}{"id": "42"})

	var msg broadcast.Message
	read(t, conn, &msg)
	assert.Equal(t, broadcast.Message{Channel: "courses", Data: "A"}, msg)
	read(t, conn, &msg)
	assert.Equal(t, broadcast.Message{Channel: "exams", Data: map[string]interface{}{"id": "42"}}, msg)

	send(t, conn, controlMessage{Action: actionUnsubscribe, Channels: []string{"courses"}})
	read(t, conn, &ack)
	assert.Equal(t, channelsAck{All: false, Channels: []string{"exams"}}, ack)

	hub.Broadcast("courses", "B")
	hub.Broadcast("exams", "C")
	read(t, conn, &msg)
	assert.Equal(t, broadcast.Message{Channel: "exams", Data: "C"}, msg)
}

func TestGateway_AllChannelsWithHeaderToken(t *testing.T) {
	srv, hub := setup(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	header := http.Header{"Authorization": []string{"Bearer " + getToken(t, "8")}}
	conn := dial(t, wsURL(ts, ""), header)

	// an invalid control message is answered with an error and changes nothing
	send(t, conn, map[string]interface{}{"action": "join", "channels": []string{}})
	var errFrame struct {
		Error map[string]string `json:"error"`
	}
	read(t, conn, &errFrame)
	assert.Contains(t, errFrame.Error, "action")
	assert.Contains(t, errFrame.Error, "channels")

	hub.Broadcast("general", "keyless")
	hub.Broadcast("leaves", "L")

	var msg broadcast.Message
	read(t, conn, &msg)
	assert.Equal(t, broadcast.Message{Channel: "general", Data: "keyless"}, msg)
	read(t, conn, &msg)
	assert.Equal(t, broadcast.Message{Channel: "leaves", Data: "L"}, msg)
}

func TestGateway_ShutdownClosesClients(t *testing.T) {
	srv, _ := setup(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts, "?token="+getToken(t, "9")), nil)
	send(t, conn, controlMessage{Action: actionSubscribe, Channels: []string{"settings"}})
	var ack channelsAck
	read(t, conn, &ack)
	assert.Equal(t, 1, srv.gateway.count())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	srv, _ := setup(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "?token="+getToken(t, "3")), header)
	require.Equal(t, websocket.ErrBadHandshake, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, srv.gateway.count())

	header.Set("Origin", "https://app.masomo.cd")
	dial(t, wsURL(ts, "?token="+getToken(t, "3")), header)
}

func Test_checkOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no origin", origin: "", want: true},
		{name: "same origin", origin: "http://rt.masomo.cd", want: true},
		{name: "same origin other case", origin: "http://RT.masomo.cd", want: true},
		{name: "foreign origin", origin: "https://evil.example", want: false},
		{name: "configured origin", allowed: []string{"https://app.masomo.cd"}, origin: "https://app.masomo.cd", want: true},
		{name: "configured origin other scheme", allowed: []string{"https://app.masomo.cd"}, origin: "http://app.masomo.cd", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://evil.example", want: true},
		{name: "malformed origin", origin: "://", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://rt.masomo.cd/v1/realtime", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := checkOrigin(tt.allowed)(req); got != tt.want {
				t.Errorf("checkOrigin() = %v; want %v", got, tt.want)
			}
		})
	}
}

type countingLogger struct {
	core.NopLogger
	mu    sync.Mutex
	warns int
}

func (l *countingLogger) Warn(string, ...interface{}) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *countingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warns
}

func TestGateway_deliverLogsOncePerStall(t *testing.T) {
	logger := new(countingLogger)
	g := newGateway(ServerDeps{Conf: testConfig(), Logger: logger})
	c := newClient(nil, core.Identity{ID: "5"}, nil, 1)
	deliver := g.deliver(c)

	deliver("courses", 1)
	assert.Equal(t, 0, logger.count())

	for i := 2; i <= 10; i++ { // a burst while the client does not read
		deliver("courses", i)
	}
	assert.Equal(t, 1, logger.count())

	assert.Equal(t, broadcast.Message{Channel: "courses", Data: 1}, <-c.send)
	deliver("courses", 11)
	assert.Equal(t, broadcast.Message{Channel: "courses", Data: 11}, <-c.send)

	deliver("courses", 12)
	deliver("courses", 13)
	assert.Equal(t, 2, logger.count())
}

func TestClient_enqueueDropsWhenFull(t *testing.T) {
	c := newClient(nil, core.Identity{}, []string{"courses"}, 1)

	assert.True(t, c.enqueue(broadcast.Message{Channel: "courses", Data: 1}))
	assert.False(t, c.enqueue(broadcast.Message{Channel: "courses", Data: 2}))
	assert.Equal(t, broadcast.Message{Channel: "courses", Data: 1}, <-c.send)
}

func TestClient_selection(t *testing.T) {
	c := newClient(nil, core.Identity{}, nil, 1)
	assert.True(t, c.wants("anything"))

	c.subscribe([]string{"students", "courses"})
	all, names := c.selection()
	assert.False(t, all)
	assert.Equal(t, []string{"courses", "students"}, names)
	assert.False(t, c.wants("anything"))
	assert.True(t, c.wants("students"))

	c.unsubscribe([]string{"students"})
	assert.False(t, c.wants("students"))
}
