package coedit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

type testServer struct {
	secret []byte
	store  *MemorySnapshotStore
	router *Router
	url    string
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	ctx, cancel := context.WithCancel(context.Background())

	secret := []byte("test-secret")
	store := NewMemorySnapshotStore()
	settings := testRouterSettings()
	settings.GroupSettings.IdleTimeout = time.Hour
	router := NewRouter(ctx, store, nil, settings)

	identity := NewJwtIdentity(secret)
	gate := NewTimeoutAccessGateWithDefaults(NewClaimsAccessGate())
	gateway := NewGatewayWithDefaults(ctx, router, identity, gate)

	server := httptest.NewServer(http.HandlerFunc(gateway.HandleSync))

	return &testServer{
		secret: secret,
		store:  store,
		router: router,
		url:    "ws" + strings.TrimPrefix(server.URL, "http"),
		close: func() {
			server.Close()
			cancel()
		},
	}
}

func (self *testServer) token(t *testing.T, docs ...string) string {
	token, err := MintToken(self.secret, &Actor{
		UserId: NewId(),
		Name:   "tester",
		Docs:   docs,
	}, time.Hour)
	assert.Equal(t, err, nil)
	return token
}

func nextClientFrame(t *testing.T, client *Client, timeout time.Duration) any {
	select {
	case message, ok := <-client.Receive():
		assert.Equal(t, ok, true)
		return message
	case <-time.After(timeout):
		t.Fatal("timeout waiting for client frame")
		return nil
	}
}

func TestEndToEndSync(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA, err := ConnectWithDefaults(ctx, server.url, &ClientAuth{
		Token:      server.token(t, "d1"),
		DocumentId: "d1",
		ClientId:   NewId(),
	})
	assert.Equal(t, err, nil)
	defer clientA.Close()
	assert.Equal(t, clientA.Sequence(), uint64(0))

	clientB, err := ConnectWithDefaults(ctx, server.url, &ClientAuth{
		Token:      server.token(t, "d1"),
		DocumentId: "d1",
		ClientId:   NewId(),
	})
	assert.Equal(t, err, nil)
	defer clientB.Close()

	// A sends U1, B receives it tagged sequence 1
	assert.Equal(t, clientA.SendUpdate(1, 0, testOps("title", "hello", 1)), nil)

	delta, ok := nextClientFrame(t, clientB, 2*time.Second).(*DeltaFrame)
	assert.Equal(t, ok, true)
	assert.Equal(t, delta.AssignedSequence, uint64(1))

	ack, ok := nextClientFrame(t, clientA, 2*time.Second).(*AckFrame)
	assert.Equal(t, ok, true)
	assert.Equal(t, ack.AssignedSequence, uint64(1))

	// B answers on its pre-U1 view, A receives it tagged sequence 2
	assert.Equal(t, clientB.SendUpdate(1, 0, testOps("body", "world", 1)), nil)

	delta, ok = nextClientFrame(t, clientA, 2*time.Second).(*DeltaFrame)
	assert.Equal(t, ok, true)
	assert.Equal(t, delta.AssignedSequence, uint64(2))
}

func TestAuthDenied(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a valid token without a grant for the document
	_, err := ConnectWithDefaults(ctx, server.url, &ClientAuth{
		Token:      server.token(t, "other-doc"),
		DocumentId: "d1",
		ClientId:   NewId(),
	})
	assert.NotEqual(t, err, nil)

	// a token signed with the wrong secret
	badToken, err := MintToken([]byte("wrong-secret"), &Actor{
		UserId: NewId(),
		Docs:   []string{"d1"},
	}, time.Hour)
	assert.Equal(t, err, nil)
	_, err = ConnectWithDefaults(ctx, server.url, &ClientAuth{
		Token:      badToken,
		DocumentId: "d1",
		ClientId:   NewId(),
	})
	assert.NotEqual(t, err, nil)
}

func TestReconnectResume(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientId := NewId()
	clientA, err := ConnectWithDefaults(ctx, server.url, &ClientAuth{
		Token:      server.token(t, "d1"),
		DocumentId: "d1",
		ClientId:   clientId,
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, clientA.SendUpdate(1, 0, testOps("k1", "v1", 1)), nil)
	ack, ok := nextClientFrame(t, clientA, 2*time.Second).(*AckFrame)
	assert.Equal(t, ok, true)
	assert.Equal(t, ack.AssignedSequence, uint64(1))
	assert.Equal(t, clientA.SendUpdate(2, 1, testOps("k2", "v2", 2)), nil)
	ack, ok = nextClientFrame(t, clientA, 2*time.Second).(*AckFrame)
	assert.Equal(t, ok, true)
	assert.Equal(t, ack.AssignedSequence, uint64(2))
	clientA.Close()

	// a reconnect from the last acknowledged sequence replays only the gap
	clientA2, err := ConnectWithDefaults(ctx, server.url, &ClientAuth{
		Token:      server.token(t, "d1"),
		DocumentId: "d1",
		ClientId:   clientId,
		LastSeq:    1,
	})
	assert.Equal(t, err, nil)
	defer clientA2.Close()
	assert.Equal(t, clientA2.Sequence(), uint64(2))

	delta, ok := nextClientFrame(t, clientA2, 2*time.Second).(*DeltaFrame)
	assert.Equal(t, ok, true)
	assert.Equal(t, delta.AssignedSequence, uint64(2))
}

func TestProtocolErrorCloses(t *testing.T) {
	server := newTestServer(t)
	defer server.close()

	dialer := &websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}
	ws, _, err := dialer.Dial(server.url, nil)
	assert.Equal(t, err, nil)
	defer ws.Close()

	authBytes, err := EncodeFrame(&AuthFrame{
		Token:      server.token(t, "d1"),
		DocumentId: "d1",
		ClientId:   NewId(),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, authBytes), nil)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := ws.ReadMessage()
	assert.Equal(t, err, nil)
	decoded, err := DecodeFrame(message)
	assert.Equal(t, err, nil)
	_, ok := decoded.(*AuthResultFrame)
	assert.Equal(t, ok, true)

	// an undecodable frame draws an error frame, then close
	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, []byte("not a frame")), nil)

	errorFrame := readUntilError(t, ws)
	assert.Equal(t, errorFrame.Code, ErrorCodeProtocol)
}

func readUntilError(t *testing.T, ws *websocket.Conn) *ErrorFrame {
	for {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := ws.ReadMessage()
		assert.Equal(t, err, nil)
		if len(message) == 0 {
			// ping
			continue
		}
		decoded, err := DecodeFrame(message)
		assert.Equal(t, err, nil)
		if errorFrame, ok := decoded.(*ErrorFrame); ok {
			return errorFrame
		}
	}
}
