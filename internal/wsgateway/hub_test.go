package wsgateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/mohamedkhairy/chat-gateway/internal/models"
	"github.com/mohamedkhairy/chat-gateway/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T, secret string) (*Hub, string) {
	t.Helper()
	cfg := testGatewayConfig()
	cfg.SendTimeout = time.Second
	auth := NewAuthManager(secret)
	hub := NewHub(cfg, storage.NewMemoryMessageStore(true), auth, nil)
	require.NoError(t, hub.Start())

	server := httptest.NewServer(NewHandler(hub, auth, cfg))
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(ClientMessage{Type: msgType, Data: raw}))
}

// readUntil reads frames until one of type want arrives
func readUntil(t *testing.T, ws *websocket.Conn, want string) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type == want {
			return f
		}
	}
}

func TestGateway_EndToEnd(t *testing.T) {
	hub, url := startGateway(t, "")

	alice := dial(t, url+"/ws?token=alice", nil)
	bob := dial(t, url+"/ws", http.Header{"Authorization": []string{"Bearer bob"}})

	send(t, alice, CommandJoinRoom, "lobby")
	readUntil(t, alice, EventSuccess)

	send(t, bob, CommandJoinRoom, "lobby")
	members := readUntil(t, bob, EventRoomMembers)
	assert.JSONEq(t, `["alice","bob"]`, string(members.Data))
	assert.Equal(t, "lobby", members.RoomID)
	readUntil(t, bob, EventSuccess)

	joined := readUntil(t, alice, EventUserJoined)
	assert.JSONEq(t, `{"userId":"bob","roomId":"lobby"}`, string(joined.Data))

	send(t, alice, CommandSendMessage, SendMessageRequest{RoomID: "lobby", Content: "hello bob"})
	received := readUntil(t, bob, EventNewMessage)
	var msg models.Message
	require.NoError(t, json.Unmarshal(received.Data, &msg))
	assert.Equal(t, "hello bob", msg.Content)
	assert.Equal(t, "alice", msg.AuthorID)

	require.NoError(t, bob.Close())
	left := readUntil(t, alice, EventUserLeft)
	assert.JSONEq(t, `{"userId":"bob","roomId":"lobby"}`, string(left.Data))

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, hub.RoomMembers("lobby"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_AuthenticateOverSocket(t *testing.T) {
	hub, url := startGateway(t, "secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "carol",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	ws := dial(t, url+"/ws", nil)
	send(t, ws, CommandAuthenticate, signed)
	result := readUntil(t, ws, EventSuccess)
	assert.Equal(t, CommandAuthenticate, result.Action)

	assert.Eventually(t, func() bool {
		return hub.registry.CountByUser("carol") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_RejectsBadCredentials(t *testing.T) {
	_, url := startGateway(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws?token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	ws := dial(t, url+"/ws", nil)
	send(t, ws, CommandAuthenticate, "forged")
	f := readUntil(t, ws, EventError)
	assert.Equal(t, CodeUnauthenticated, f.Code)

	// The server closes the socket after the error frame
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}
