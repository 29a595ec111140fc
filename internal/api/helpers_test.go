package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/config"
	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/server"
	"github.com/npezzotti/campuschat/internal/stats"
	"github.com/npezzotti/campuschat/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type testApp struct {
	app   *ChatApp
	repo  *database.MemoryRepository
	cs    *server.ChatServer
	users []database.User
}

// newTestApp wires the full handler stack over an in-memory repository
// seeded with alice, bob and carol.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	su := stats.NewLenientMockStatsUpdater()
	logger := testutil.TestLogger(t)
	repo := database.NewMemoryRepository()
	svc := chat.NewService(repo, logger)
	cs, err := server.NewChatServer(logger, svc, server.NewPresenceRegistry(), su)
	require.NoError(t, err)

	app := NewChatApp(http.NewServeMux(), logger, cs, svc, &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	return &testApp{
		app:   app,
		repo:  repo,
		cs:    cs,
		users: testutil.SeedAccounts(t, repo, "alice", "bob", "carol"),
	}
}

// do sends a request through the full handler stack, authenticated as
// userId when it is not empty.
func (ta *testApp) do(t *testing.T, method, path, userId string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if userId != "" {
		token, err := ta.app.createJwtForSession(userId, defaultJwtExpiration)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	ta.app.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

// findCookie returns the named cookie from the response, or nil.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

// wsSession is a websocket connection to a running test app.
type wsSession struct {
	t    *testing.T
	conn *websocket.Conn
}

// startRealtime runs the chat server and serves the app over a real
// listener so websocket clients can connect.
func (ta *testApp) startRealtime(t *testing.T) *httptest.Server {
	t.Helper()

	go ta.cs.Run()
	srv := httptest.NewServer(ta.app.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ta.cs.Shutdown(ctx)
	})
	return srv
}

// connect dials the websocket endpoint as userId and announces the user
// online.
func (ta *testApp) connect(t *testing.T, srv *httptest.Server, userId string) *wsSession {
	t.Helper()

	token, err := ta.app.createJwtForSession(userId, time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ws := &wsSession{t: t, conn: conn}
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "user_online"}))
	ws.expect("online_users")
	return ws
}

// expect reads until the named event arrives and returns its data.
func (ws *wsSession) expect(event string) map[string]any {
	ws.t.Helper()
	for {
		ws.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := ws.conn.ReadMessage()
		require.NoError(ws.t, err, "expected %q", event)

		var msg struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		require.NoError(ws.t, json.Unmarshal(raw, &msg))
		if msg.Event == event {
			return msg.Data
		}
	}
}
