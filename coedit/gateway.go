package coedit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type GatewaySettings struct {
	WsHandshakeTimeout time.Duration
	// bound on the auth frame exchange after upgrade
	AuthTimeout       time.Duration
	PingTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxFrameByteCount ByteCount
	SessionSettings   *SessionSettings
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		MaxFrameByteCount:  kib(256),
		SessionSettings:    DefaultSessionSettings(),
	}
}

// Gateway accepts websocket connections, performs the auth handshake and
// hands established sessions to the router. One goroutine reads the
// connection and one drains the session's send queue.
type Gateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	router   *Router
	identity Identity
	gate     AccessGate

	settings *GatewaySettings

	upgrader *websocket.Upgrader
}

func NewGatewayWithDefaults(
	ctx context.Context,
	router *Router,
	identity Identity,
	gate AccessGate,
) *Gateway {
	return NewGateway(ctx, router, identity, gate, DefaultGatewaySettings())
}

func NewGateway(
	ctx context.Context,
	router *Router,
	identity Identity,
	gate AccessGate,
	settings *GatewaySettings,
) *Gateway {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Gateway{
		ctx:      cancelCtx,
		cancel:   cancel,
		router:   router,
		identity: identity,
		gate:     gate,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Gateway) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", self.HandleSync)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
		BaseContext: func(listener net.Listener) context.Context {
			return self.ctx
		},
	}

	go func() {
		<-self.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), self.settings.ShutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	glog.Infof("[gw]listen %s\n", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (self *Gateway) Close() {
	self.cancel()
}

// HandleSync is the websocket endpoint. Exposed so callers can mount it on
// their own mux.
func (self *Gateway) HandleSync(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[gw]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	ws.SetReadLimit(self.settings.MaxFrameByteCount)

	auth, err := self.readAuth(ws)
	if err != nil {
		self.writeError(ws, ErrorCodeProtocol, err.Error())
		return
	}

	handshakeCtx, handshakeCancel := context.WithTimeout(self.ctx, self.settings.AuthTimeout)
	actor, decision, err := self.authorize(handshakeCtx, auth)
	handshakeCancel()
	if err != nil {
		glog.Infof("[gw]auth denied doc=%s = %s\n", auth.DocumentId, err)
		self.writeError(ws, ErrorCodeAuthDenied, err.Error())
		return
	}

	session := NewSession(
		self.ctx,
		auth.ClientId,
		actor,
		auth.DocumentId,
		decision,
		self.settings.SessionSettings,
	)
	defer session.Close()

	group, err := self.router.Join(session, auth.LastSeq)
	if err != nil {
		self.writeError(ws, ErrorCodeProtocol, err.Error())
		return
	}
	// cleanup is idempotent. The group ignores sessions it already evicted.
	defer group.Leave(session)

	glog.V(1).Infof("[gw]session %s doc=%s client=%s\n", session.SessionId(), auth.DocumentId, auth.ClientId)

	go self.writePump(ws, session)
	self.readPump(ws, session, group)
}

func (self *Gateway) readAuth(ws *websocket.Conn) (*AuthFrame, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.New("expected binary auth frame")
	}
	decoded, err := DecodeFrame(message)
	if err != nil {
		return nil, err
	}
	auth, ok := decoded.(*AuthFrame)
	if !ok {
		return nil, errors.New("expected auth frame")
	}
	if auth.DocumentId == "" {
		return nil, errors.New("missing document id")
	}
	if auth.ClientId == (Id{}) {
		return nil, errors.New("missing client id")
	}
	return auth, nil
}

func (self *Gateway) authorize(ctx context.Context, auth *AuthFrame) (*Actor, *AccessDecision, error) {
	actor, err := self.identity.Verify(ctx, auth.Token)
	if err != nil {
		return nil, nil, err
	}
	decision, err := self.gate.Check(ctx, actor, auth.DocumentId, CapabilityRead)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Can(CapabilityRead) {
		return nil, nil, &AuthDeniedError{Reason: decision.Reason}
	}
	return actor, decision, nil
}

// writePump drains the session queue onto the wire. On session close it
// writes the terminal error frame, if any, before dropping the connection.
func (self *Gateway) writePump(ws *websocket.Conn, session *Session) {
	defer ws.Close()

	for {
		select {
		case <-session.Done():
			if errorFrame := session.TerminalError(); errorFrame != nil {
				if frameBytes, err := EncodeFrame(errorFrame); err == nil {
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					ws.WriteMessage(websocket.BinaryMessage, frameBytes)
				}
			}
			return
		case message, ok := <-session.Receive():
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.V(1).Infof("[gws]%s-> error = %s\n", session.SessionId(), err)
				session.Close()
				return
			}
			glog.V(2).Infof("[gws]%s->\n", session.SessionId())
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				session.Close()
				return
			}
		}
	}
}

// readPump decodes inbound frames and forwards updates to the group.
// An undecodable frame is a protocol error: error frame, then close.
func (self *Gateway) readPump(ws *websocket.Conn, session *Session, group *Group) {
	for {
		select {
		case <-session.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[gwr]%s<- error = %s\n", session.SessionId(), err)
			session.Close()
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[gwr]ping %s<-\n", session.SessionId())
				continue
			}
			decoded, err := DecodeFrame(message)
			if err != nil {
				session.CloseWithError(&ErrorFrame{
					Code:    ErrorCodeProtocol,
					Message: err.Error(),
				})
				return
			}
			switch v := decoded.(type) {
			case *UpdateFrame:
				if err := group.Publish(session, v); err != nil {
					session.Close()
					return
				}
				glog.V(2).Infof("[gwr]%s<-\n", session.SessionId())
			default:
				session.CloseWithError(&ErrorFrame{
					Code:    ErrorCodeProtocol,
					Message: "unexpected frame",
				})
				return
			}
		default:
			glog.V(2).Infof("[gwr]other=%d %s<-\n", messageType, session.SessionId())
		}
	}
}

func (self *Gateway) writeError(ws *websocket.Conn, code int, message string) {
	frameBytes, err := EncodeFrame(&ErrorFrame{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	ws.WriteMessage(websocket.BinaryMessage, frameBytes)
}
