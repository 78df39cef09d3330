package coedit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ReceiveBufferSize  int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		ReceiveBufferSize:  32,
	}
}

type ClientAuth struct {
	Token      string
	DocumentId DocumentId
	ClientId   Id
	// resume point for reconnects, 0 for a fresh client
	LastSeq uint64
}

// Client is one synchronizing connection. Decoded server frames arrive on
// Receive in wire order. Used by tests, tooling and embedding applications.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	auth     *ClientAuth
	settings *ClientSettings

	ws *websocket.Conn

	sessionId Id
	sequence  uint64

	receive chan any
	send    chan []byte
}

func ConnectWithDefaults(ctx context.Context, url string, auth *ClientAuth) (*Client, error) {
	return Connect(ctx, url, auth, DefaultClientSettings())
}

// Connect dials, performs the auth handshake and starts the pumps.
func Connect(ctx context.Context, url string, auth *ClientAuth, settings *ClientSettings) (*Client, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := EncodeFrame(&AuthFrame{
		Token:      auth.Token,
		DocumentId: auth.DocumentId,
		ClientId:   auth.ClientId,
		LastSeq:    auth.LastSeq,
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.New("auth response error")
	}
	decoded, err := DecodeFrame(message)
	if err != nil {
		return nil, err
	}
	var authResult *AuthResultFrame
	switch v := decoded.(type) {
	case *AuthResultFrame:
		authResult = v
	case *ErrorFrame:
		return nil, fmt.Errorf("auth error %d: %s", v.Code, v.Message)
	default:
		return nil, fmt.Errorf("auth response error: %T", v)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:       cancelCtx,
		cancel:    cancel,
		auth:      auth,
		settings:  settings,
		ws:        ws,
		sessionId: authResult.SessionId,
		sequence:  authResult.Sequence,
		receive:   make(chan any, settings.ReceiveBufferSize),
		send:      make(chan []byte),
	}
	go client.readPump()
	go client.writePump()

	success = true
	return client, nil
}

func (self *Client) SessionId() Id {
	return self.sessionId
}

// Sequence is the server sequence at handshake time.
func (self *Client) Sequence() uint64 {
	return self.sequence
}

// Receive yields decoded server frames. Closed when the connection drops.
func (self *Client) Receive() <-chan any {
	return self.receive
}

func (self *Client) Done() <-chan struct{} {
	return self.ctx.Done()
}

// SendUpdate publishes one update built on baseSeq.
func (self *Client) SendUpdate(clock uint64, baseSeq uint64, ops []RegisterOp) error {
	frameBytes, err := EncodeFrame(&UpdateFrame{
		OriginClientId: self.auth.ClientId,
		Clock:          clock,
		BaseSeq:        baseSeq,
		Ops:            ops,
	})
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return errors.New("client closed")
	case self.send <- frameBytes:
		return nil
	}
}

func (self *Client) readPump() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[c]%s<- error = %s\n", self.auth.ClientId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}
		decoded, err := DecodeFrame(message)
		if err != nil {
			glog.V(1).Infof("[c]%s<- decode error = %s\n", self.auth.ClientId, err)
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case self.receive <- decoded:
		}
	}
}

func (self *Client) writePump() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				glog.V(1).Infof("[c]%s-> error = %s\n", self.auth.ClientId, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *Client) Close() {
	self.cancel()
	self.ws.Close()
}
