package coedit

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type SessionSettings struct {
	// bounded outbound queue. Overflow disconnects the session rather than
	// stalling the group.
	SendQueueSize int
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		SendQueueSize: 32,
	}
}

// Session is one authenticated connection bound to at most one group.
// The group delivers encoded frames into the bounded send queue and the
// transport write pump drains it. A session never blocks its group.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId  Id
	clientId   Id
	actor      *Actor
	documentId DocumentId
	decision   *AccessDecision

	settings *SessionSettings

	send chan []byte

	stateLock     sync.Mutex
	terminalError *ErrorFrame
	closed        bool
}

func NewSessionWithDefaults(
	ctx context.Context,
	clientId Id,
	actor *Actor,
	documentId DocumentId,
	decision *AccessDecision,
) *Session {
	return NewSession(ctx, clientId, actor, documentId, decision, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	clientId Id,
	actor *Actor,
	documentId DocumentId,
	decision *AccessDecision,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		sessionId:  NewId(),
		clientId:   clientId,
		actor:      actor,
		documentId: documentId,
		decision:   decision,
		settings:   settings,
		send:       make(chan []byte, settings.SendQueueSize),
	}
}

func (self *Session) SessionId() Id {
	return self.sessionId
}

func (self *Session) ClientId() Id {
	return self.clientId
}

func (self *Session) Actor() *Actor {
	return self.actor
}

func (self *Session) DocumentId() DocumentId {
	return self.documentId
}

func (self *Session) Decision() *AccessDecision {
	return self.decision
}

// Deliver enqueues one encoded frame without blocking.
// false means the queue is full and the caller must disconnect this session.
func (self *Session) Deliver(frameBytes []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- frameBytes:
		return true
	default:
		// full
		return false
	}
}

// Receive is drained by the transport write pump.
func (self *Session) Receive() <-chan []byte {
	return self.send
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

// TerminalError returns the error frame to write before close, if any.
func (self *Session) TerminalError() *ErrorFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.terminalError
}

// CloseWithError records a terminal error and closes. The write pump emits
// the error frame before the connection close. Idempotent, first error wins.
func (self *Session) CloseWithError(errorFrame *ErrorFrame) {
	self.stateLock.Lock()
	if !self.closed {
		self.closed = true
		self.terminalError = errorFrame
		glog.V(1).Infof("[s]close %s code=%d %s\n", self.sessionId, errorFrame.Code, errorFrame.Message)
	}
	self.stateLock.Unlock()
	self.cancel()
}

// Close is idempotent. Safe to invoke from the transport and the group.
func (self *Session) Close() {
	self.stateLock.Lock()
	if !self.closed {
		self.closed = true
	}
	self.stateLock.Unlock()
	self.cancel()
}
