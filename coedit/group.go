package coedit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/golang/glog"
)

type GroupState int

const (
	// no members yet, or membership returned to zero and the idle timer ran out
	GroupStateEmpty GroupState = iota
	GroupStateActive
	// membership reached zero, idle timer running
	GroupStateDraining
	// idle timer expired dirty, final flush in progress
	GroupStateFlushing
	GroupStateClosed
)

func (self GroupState) String() string {
	switch self {
	case GroupStateEmpty:
		return "empty"
	case GroupStateActive:
		return "active"
	case GroupStateDraining:
		return "draining"
	case GroupStateFlushing:
		return "flushing"
	case GroupStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type GroupSettings struct {
	IdleTimeout   time.Duration
	FlushInterval time.Duration
	// bound on one load/save attempt
	StoreTimeout              time.Duration
	FlushRetryInitialInterval time.Duration
	FlushRetryMaxAttempts     uint64
	// unflushed updates above this force a resync to members once
	// persistence recovers
	StalenessThreshold int
	CommandQueueSize   int
	PresenceTimeout    time.Duration
	DocStateSettings   *DocStateSettings
}

func DefaultGroupSettings() *GroupSettings {
	return &GroupSettings{
		IdleTimeout:               30 * time.Second,
		FlushInterval:             10 * time.Second,
		StoreTimeout:              5 * time.Second,
		FlushRetryInitialInterval: 500 * time.Millisecond,
		FlushRetryMaxAttempts:     8,
		StalenessThreshold:        512,
		CommandQueueSize:          256,
		PresenceTimeout:           2 * time.Second,
		DocStateSettings:          DefaultDocStateSettings(),
	}
}

type groupJoin struct {
	session *Session
	lastSeq uint64
	result  chan error
}

type groupLeave struct {
	session *Session
}

type groupPublish struct {
	session *Session
	update  *UpdateFrame
}

type groupDrain struct {
	ctx    context.Context
	result chan error
}

type groupTick struct {
}

type groupFlushResult struct {
	snapshot *Snapshot
	attempts int
	err      error
}

type GroupStats struct {
	State        GroupState
	MemberCount  int
	Seq          uint64
	PersistedSeq uint64
	Dirty        bool
}

// Group owns one live document: its state and its connected sessions.
// All mutation happens inside the single run goroutine, which serializes
// membership changes, merges and fan-out. Nothing outside the loop touches
// the document state.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId DocumentId
	store      SnapshotStore
	presence   Presence
	// registry callback. Returns true when the registry dropped this group.
	removeFn func(*Group) bool

	settings *GroupSettings

	commands chan any

	// loop-owned
	state         *DocState
	members       map[Id]*Session
	dirty         bool
	persistedSeq  uint64
	flushInFlight bool
	forceResync   bool
	loadErr       error
	groupState    GroupState
	idleTimer     *time.Timer

	statsLock sync.Mutex
	stats     GroupStats
}

func NewGroupWithDefaults(
	ctx context.Context,
	documentId DocumentId,
	store SnapshotStore,
	presence Presence,
	removeFn func(*Group) bool,
) *Group {
	return NewGroup(ctx, documentId, store, presence, removeFn, DefaultGroupSettings())
}

func NewGroup(
	ctx context.Context,
	documentId DocumentId,
	store SnapshotStore,
	presence Presence,
	removeFn func(*Group) bool,
	settings *GroupSettings,
) *Group {
	cancelCtx, cancel := context.WithCancel(ctx)
	group := &Group{
		ctx:        cancelCtx,
		cancel:     cancel,
		documentId: documentId,
		store:      store,
		presence:   presence,
		removeFn:   removeFn,
		settings:   settings,
		commands:   make(chan any, settings.CommandQueueSize),
		members:    map[Id]*Session{},
		groupState: GroupStateEmpty,
	}
	go group.run()
	return group
}

func (self *Group) DocumentId() DocumentId {
	return self.documentId
}

func (self *Group) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Stats is a point-in-time copy maintained by the run loop.
func (self *Group) Stats() GroupStats {
	self.statsLock.Lock()
	defer self.statsLock.Unlock()
	return self.stats
}

func (self *Group) command(command any) error {
	select {
	case <-self.ctx.Done():
		return ErrGroupClosed
	case self.commands <- command:
		return nil
	}
}

// Join adds the session and replies through the session's queue:
// the auth result first, then either a delta replay from lastSeq or a full
// state resync, strictly before any new broadcast.
func (self *Group) Join(session *Session, lastSeq uint64) error {
	result := make(chan error, 1)
	if err := self.command(&groupJoin{session: session, lastSeq: lastSeq, result: result}); err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return ErrGroupClosed
	case err := <-result:
		return err
	}
}

// Leave removes membership. Idempotent, unknown sessions are ignored.
func (self *Group) Leave(session *Session) {
	self.command(&groupLeave{session: session})
}

// Publish forwards one update from a member. Merge outcome is delivered
// through session queues, never returned.
func (self *Group) Publish(session *Session, update *UpdateFrame) error {
	return self.command(&groupPublish{session: session, update: update})
}

// Tick nudges the group to re-attempt removal when it is idle and clean.
func (self *Group) Tick() {
	select {
	case <-self.ctx.Done():
	case self.commands <- &groupTick{}:
	default:
		// busy group, skip
	}
}

// Drain flushes dirty state and closes the group. Used at process shutdown.
func (self *Group) Drain(ctx context.Context) error {
	result := make(chan error, 1)
	if err := self.command(&groupDrain{ctx: ctx, result: result}); err != nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	case <-self.ctx.Done():
		// the loop exits right after replying. prefer the buffered result.
		select {
		case err := <-result:
			return err
		default:
			return nil
		}
	}
}

func (self *Group) run() {
	defer self.close()

	self.load()

	self.idleTimer = time.NewTimer(self.settings.IdleTimeout)
	defer self.idleTimer.Stop()

	flushTicker := time.NewTicker(self.settings.FlushInterval)
	defer flushTicker.Stop()

	self.updateStats()

	for {
		select {
		case <-self.ctx.Done():
			return
		case command := <-self.commands:
			switch v := command.(type) {
			case *groupJoin:
				self.handleJoin(v)
			case *groupLeave:
				self.handleLeave(v.session)
			case *groupPublish:
				self.handlePublish(v)
			case *groupFlushResult:
				self.handleFlushResult(v)
			case *groupTick:
				self.handleIdleCheck()
			case *groupDrain:
				v.result <- self.handleDrain(v.ctx)
				return
			}
		case <-self.idleTimer.C:
			self.handleIdleExpired()
		case <-flushTicker.C:
			if self.dirty && !self.flushInFlight {
				self.startFlush()
			}
			self.refreshPresence()
		}
		self.updateStats()
	}
}

func (self *Group) updateStats() {
	self.statsLock.Lock()
	self.stats = GroupStats{
		State:        self.groupState,
		MemberCount:  len(self.members),
		Seq:          self.state.Seq(),
		PersistedSeq: self.persistedSeq,
		Dirty:        self.dirty,
	}
	self.statsLock.Unlock()
}

// load restores the latest snapshot before any command is served.
// Joins queue in the command channel while this runs.
func (self *Group) load() {
	var snapshot *Snapshot
	operation := func() error {
		loadCtx, cancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
		defer cancel()
		loaded, err := self.store.Load(loadCtx, self.documentId)
		if err != nil {
			if errors.Is(err, ErrSnapshotNotFound) {
				return nil
			}
			return err
		}
		snapshot = loaded
		return nil
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = self.settings.FlushRetryInitialInterval
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(retry, self.settings.FlushRetryMaxAttempts),
		self.ctx,
	))
	if err != nil {
		glog.Infof("[g]%s load error = %s\n", self.documentId, err)
		self.loadErr = fmt.Errorf("load %s: %w", self.documentId, err)
		self.state = NewDocState(self.settings.DocStateSettings)
		return
	}

	if snapshot == nil {
		self.state = NewDocState(self.settings.DocStateSettings)
		return
	}
	state, err := NewDocStateFromSnapshot(snapshot.State, self.settings.DocStateSettings)
	if err != nil {
		// a corrupt snapshot must not wedge the document forever
		glog.Infof("[g]%s corrupt snapshot at seq=%d = %s\n", self.documentId, snapshot.Seq, err)
		self.loadErr = fmt.Errorf("load %s: %w", self.documentId, err)
		self.state = NewDocState(self.settings.DocStateSettings)
		return
	}
	self.state = state
	self.persistedSeq = snapshot.Seq
	glog.V(1).Infof("[g]%s loaded seq=%d\n", self.documentId, snapshot.Seq)
}

func (self *Group) handleJoin(join *groupJoin) {
	if self.loadErr != nil {
		join.result <- self.loadErr
		return
	}
	session := join.session

	self.members[session.SessionId()] = session
	self.groupState = GroupStateActive
	if !self.idleTimer.Stop() {
		select {
		case <-self.idleTimer.C:
		default:
		}
	}

	self.announcePresence(session)

	deliver := func(message any) bool {
		frameBytes, err := EncodeFrame(message)
		if err != nil {
			glog.Errorf("[g]%s encode error = %s\n", self.documentId, err)
			return false
		}
		if !session.Deliver(frameBytes) {
			self.evict(session, &ErrorFrame{
				Code:    ErrorCodeBackpressure,
				Message: "send queue overflow",
			})
			return false
		}
		return true
	}

	if !deliver(&AuthResultFrame{
		SessionId: session.SessionId(),
		Sequence:  self.state.Seq(),
	}) {
		join.result <- nil
		return
	}

	if deltas, ok := self.state.DeltasSince(join.lastSeq); ok {
		for _, delta := range deltas {
			if !deliver(delta) {
				break
			}
		}
	} else {
		deliver(&ResyncFrame{
			State:    self.state.RequireSerialize(),
			Sequence: self.state.Seq(),
		})
	}

	glog.V(1).Infof("[g]%s join %s members=%d\n", self.documentId, session.SessionId(), len(self.members))
	join.result <- nil
}

func (self *Group) handleLeave(session *Session) {
	if _, ok := self.members[session.SessionId()]; !ok {
		return
	}
	delete(self.members, session.SessionId())
	self.withdrawPresence(session)
	glog.V(1).Infof("[g]%s leave %s members=%d\n", self.documentId, session.SessionId(), len(self.members))
	self.checkEmpty()
}

func (self *Group) checkEmpty() {
	if 0 < len(self.members) {
		return
	}
	if self.groupState == GroupStateActive {
		self.groupState = GroupStateDraining
		self.idleTimer.Reset(self.settings.IdleTimeout)
	}
}

func (self *Group) handlePublish(publish *groupPublish) {
	session := publish.session
	if _, ok := self.members[session.SessionId()]; !ok {
		// raced with leave, drop
		return
	}

	if !session.Decision().Can(CapabilityWrite) {
		self.evict(session, &ErrorFrame{
			Code:    ErrorCodeAuthDenied,
			Message: "write denied",
		})
		return
	}

	update := publish.update
	if update.OriginClientId != session.ClientId() {
		self.deliverTo(session, &ErrorFrame{
			Code:    ErrorCodeMalformedUpdate,
			Message: "origin does not match session client",
		})
		return
	}

	seq, duplicate, err := self.state.Apply(&Update{
		Origin:  update.OriginClientId,
		Clock:   update.Clock,
		BaseSeq: update.BaseSeq,
		Ops:     update.Ops,
	})
	if err != nil {
		if errors.Is(err, ErrStaleBase) {
			// base beyond retained history. Resync the originator instead of
			// merging a partial delta.
			glog.V(1).Infof("[g]%s stale base from %s\n", self.documentId, session.ClientId())
			self.deliverTo(session, &ResyncFrame{
				State:    self.state.RequireSerialize(),
				Sequence: self.state.Seq(),
			})
			return
		}
		// malformed. Terminal for the frame only.
		self.deliverTo(session, &ErrorFrame{
			Code:    ErrorCodeMalformedUpdate,
			Message: err.Error(),
		})
		return
	}

	self.deliverTo(session, &AckFrame{
		Clock:            update.Clock,
		AssignedSequence: seq,
	})
	if duplicate {
		return
	}

	self.dirty = true

	delta := &DeltaFrame{
		AssignedSequence: seq,
		OriginClientId:   update.OriginClientId,
		Ops:              update.Ops,
	}
	frameBytes, err := EncodeFrame(delta)
	if err != nil {
		glog.Errorf("[g]%s encode error = %s\n", self.documentId, err)
		return
	}
	evicted := []*Session{}
	for _, member := range self.members {
		if member.SessionId() == session.SessionId() {
			continue
		}
		if !member.Deliver(frameBytes) {
			evicted = append(evicted, member)
		}
	}
	for _, member := range evicted {
		self.evict(member, &ErrorFrame{
			Code:    ErrorCodeBackpressure,
			Message: "send queue overflow",
		})
	}
	glog.V(2).Infof("[g]%s seq=%d from %s\n", self.documentId, seq, update.OriginClientId)
}

func (self *Group) deliverTo(session *Session, message any) {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		glog.Errorf("[g]%s encode error = %s\n", self.documentId, err)
		return
	}
	if !session.Deliver(frameBytes) {
		self.evict(session, &ErrorFrame{
			Code:    ErrorCodeBackpressure,
			Message: "send queue overflow",
		})
	}
}

// evict disconnects one session without affecting other members.
func (self *Group) evict(session *Session, errorFrame *ErrorFrame) {
	if _, ok := self.members[session.SessionId()]; !ok {
		return
	}
	delete(self.members, session.SessionId())
	self.withdrawPresence(session)
	session.CloseWithError(errorFrame)
	glog.Infof("[g]%s evict %s code=%d\n", self.documentId, session.SessionId(), errorFrame.Code)
	self.checkEmpty()
}

func (self *Group) announcePresence(session *Session) {
	if self.presence == nil {
		return
	}
	go func() {
		presenceCtx, cancel := context.WithTimeout(self.ctx, self.settings.PresenceTimeout)
		defer cancel()
		if err := self.presence.Announce(presenceCtx, self.documentId, session.ClientId()); err != nil {
			glog.Infof("[g]%s presence announce error = %s\n", self.documentId, err)
		}
	}()
}

// refreshPresence re-announces live members so their ttl entries do not
// expire mid-session.
func (self *Group) refreshPresence() {
	if self.presence == nil || len(self.members) == 0 {
		return
	}
	clientIds := make([]Id, 0, len(self.members))
	for _, member := range self.members {
		clientIds = append(clientIds, member.ClientId())
	}
	go func() {
		presenceCtx, cancel := context.WithTimeout(self.ctx, self.settings.PresenceTimeout)
		defer cancel()
		for _, clientId := range clientIds {
			if err := self.presence.Announce(presenceCtx, self.documentId, clientId); err != nil {
				glog.Infof("[g]%s presence refresh error = %s\n", self.documentId, err)
				return
			}
		}
	}()
}

func (self *Group) withdrawPresence(session *Session) {
	if self.presence == nil {
		return
	}
	go func() {
		// withdraw must be able to outlive the group
		presenceCtx, cancel := context.WithTimeout(context.Background(), self.settings.PresenceTimeout)
		defer cancel()
		if err := self.presence.Withdraw(presenceCtx, self.documentId, session.ClientId()); err != nil {
			glog.Infof("[g]%s presence withdraw error = %s\n", self.documentId, err)
		}
	}()
}

func (self *Group) handleIdleExpired() {
	if 0 < len(self.members) {
		// stale timer
		return
	}
	if self.dirty || self.flushInFlight {
		self.groupState = GroupStateFlushing
		if !self.flushInFlight {
			self.startFlush()
		}
		return
	}
	self.groupState = GroupStateEmpty
	self.tryRemove()
}

func (self *Group) handleIdleCheck() {
	if 0 < len(self.members) {
		return
	}
	if self.groupState == GroupStateEmpty && !self.dirty && !self.flushInFlight {
		self.tryRemove()
	}
}

// startFlush serializes in-loop and persists off-loop. The snapshot is
// immutable once serialized, so membership churn during the write cannot
// affect what is persisted.
func (self *Group) startFlush() {
	snapshot := &Snapshot{
		DocumentId: self.documentId,
		State:      self.state.RequireSerialize(),
		Seq:        self.state.Seq(),
		CreateTime: time.Now(),
	}
	self.flushInFlight = true

	go func() {
		attempts := 0
		operation := func() error {
			attempts += 1
			saveCtx, cancel := context.WithTimeout(context.Background(), self.settings.StoreTimeout)
			defer cancel()
			return self.store.Save(saveCtx, snapshot)
		}
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = self.settings.FlushRetryInitialInterval
		err := backoff.Retry(operation, backoff.WithMaxRetries(retry, self.settings.FlushRetryMaxAttempts))

		result := &groupFlushResult{
			snapshot: snapshot,
			attempts: attempts,
			err:      err,
		}
		select {
		case <-self.ctx.Done():
		case self.commands <- result:
		}
	}()
}

func (self *Group) handleFlushResult(result *groupFlushResult) {
	self.flushInFlight = false

	if result.err != nil {
		// the group stays dirty and is never evicted while dirty.
		// the flush ticker drives the next attempt.
		persistenceError := &PersistenceError{
			DocumentId: self.documentId,
			Attempts:   result.attempts,
			Err:        result.err,
		}
		glog.Infof("[g]%s flush error = %s\n", self.documentId, persistenceError)
		unflushed := self.state.Seq() - self.persistedSeq
		if uint64(self.settings.StalenessThreshold) < unflushed {
			self.forceResync = true
		}
		return
	}

	if self.persistedSeq < result.snapshot.Seq {
		self.persistedSeq = result.snapshot.Seq
	}
	self.dirty = self.persistedSeq < self.state.Seq()
	glog.V(1).Infof("[g]%s flushed seq=%d\n", self.documentId, result.snapshot.Seq)

	if self.forceResync && 0 < len(self.members) {
		// staleness risk crossed the threshold while persistence was failing.
		// resync everyone now that durable state caught up.
		self.forceResync = false
		resyncBytes, err := EncodeFrame(&ResyncFrame{
			State:    self.state.RequireSerialize(),
			Sequence: self.state.Seq(),
		})
		if err == nil {
			evicted := []*Session{}
			for _, member := range self.members {
				if !member.Deliver(resyncBytes) {
					evicted = append(evicted, member)
				}
			}
			for _, member := range evicted {
				self.evict(member, &ErrorFrame{
					Code:    ErrorCodeBackpressure,
					Message: "send queue overflow",
				})
			}
		}
	}

	if self.groupState == GroupStateFlushing && len(self.members) == 0 && !self.dirty {
		self.groupState = GroupStateEmpty
		self.tryRemove()
	}
}

// tryRemove asks the registry to drop this group. The registry refuses when
// it no longer maps this instance. On refusal the group closes anyway: it is
// empty and flushed, and the registry owns whatever replaced it.
func (self *Group) tryRemove() {
	if self.removeFn != nil {
		self.removeFn(self)
	}
	self.cancel()
}

// handleDrain flushes inline with bounded retries, giving up when the
// caller's deadline expires. Runs at shutdown only.
func (self *Group) handleDrain(drainCtx context.Context) error {
	var drainErr error
	if self.dirty || self.flushInFlight {
		snapshot := &Snapshot{
			DocumentId: self.documentId,
			State:      self.state.RequireSerialize(),
			Seq:        self.state.Seq(),
			CreateTime: time.Now(),
		}
		attempts := 0
		operation := func() error {
			attempts += 1
			saveCtx, cancel := context.WithTimeout(drainCtx, self.settings.StoreTimeout)
			defer cancel()
			return self.store.Save(saveCtx, snapshot)
		}
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = self.settings.FlushRetryInitialInterval
		if err := backoff.Retry(operation, backoff.WithContext(
			backoff.WithMaxRetries(retry, self.settings.FlushRetryMaxAttempts),
			drainCtx,
		)); err != nil {
			drainErr = &PersistenceError{
				DocumentId: self.documentId,
				Attempts:   attempts,
				Err:        err,
			}
			glog.Infof("[g]%s drain flush error = %s\n", self.documentId, drainErr)
		} else {
			self.persistedSeq = snapshot.Seq
			self.dirty = false
		}
	}
	for _, member := range self.members {
		member.CloseWithError(&ErrorFrame{
			Code:    ErrorCodeShutdown,
			Message: "server shutting down",
		})
	}
	self.members = map[Id]*Session{}
	return drainErr
}

func (self *Group) close() {
	self.cancel()

	self.statsLock.Lock()
	self.stats.State = GroupStateClosed
	self.stats.MemberCount = 0
	self.statsLock.Unlock()

	// fail queued commands so callers do not hang
	for {
		select {
		case command := <-self.commands:
			switch v := command.(type) {
			case *groupJoin:
				v.result <- ErrGroupClosed
			case *groupDrain:
				v.result <- nil
			}
		default:
			return
		}
	}
}
