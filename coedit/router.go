package coedit

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type RouterSettings struct {
	TickInterval time.Duration
	// idle groups nudged per tick
	MaxTickChecks int
	// retries when a join races a group that is closing
	JoinRetries   int
	GroupSettings *GroupSettings
}

func DefaultRouterSettings() *RouterSettings {
	return &RouterSettings{
		TickInterval:  15 * time.Second,
		MaxTickChecks: 5,
		JoinRetries:   4,
		GroupSettings: DefaultGroupSettings(),
	}
}

// Router maps document id to at most one live group. It is the only
// process-wide shared structure: creation, lookup and removal are serialized
// under one lock, so concurrent joins for the same new document never race
// into duplicate groups.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    SnapshotStore
	presence Presence

	settings *RouterSettings

	mutex  sync.Mutex
	groups map[DocumentId]*Group
}

func NewRouterWithDefaults(ctx context.Context, store SnapshotStore, presence Presence) *Router {
	return NewRouter(ctx, store, presence, DefaultRouterSettings())
}

func NewRouter(ctx context.Context, store SnapshotStore, presence Presence, settings *RouterSettings) *Router {
	cancelCtx, cancel := context.WithCancel(ctx)
	router := &Router{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		presence: presence,
		settings: settings,
		groups:   map[DocumentId]*Group{},
	}
	go router.tick()
	return router
}

// GetOrCreate returns the live group for the document, constructing and
// registering one if needed. Exactly one group instance is live per id.
func (self *Router) GetOrCreate(documentId DocumentId) *Group {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if group, ok := self.groups[documentId]; ok {
		select {
		case <-group.Done():
			// closed but not yet removed, replace below
		default:
			return group
		}
	}

	group := NewGroup(
		self.ctx,
		documentId,
		self.store,
		self.presence,
		self.removeIfSame,
		self.settings.GroupSettings,
	)
	self.groups[documentId] = group
	glog.V(1).Infof("[r]create %s groups=%d\n", documentId, len(self.groups))
	return group
}

// Join binds the session to its document's group. A join that races group
// removal is retried against a fresh group, so the race is never visible to
// callers.
func (self *Router) Join(session *Session, lastSeq uint64) (*Group, error) {
	var err error
	for range self.settings.JoinRetries {
		group := self.GetOrCreate(session.DocumentId())
		err = group.Join(session, lastSeq)
		if err == nil {
			return group, nil
		}
		if err != ErrGroupClosed {
			return nil, err
		}
	}
	return nil, err
}

// removeIfSame succeeds only when the registry still maps this instance.
// A group that reports empty and flushed but lost the race is already
// superseded, and the replacement owns the id.
func (self *Router) removeIfSame(group *Group) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	current, ok := self.groups[group.DocumentId()]
	if !ok || current != group {
		return false
	}
	delete(self.groups, group.DocumentId())
	glog.V(1).Infof("[r]remove %s groups=%d\n", group.DocumentId(), len(self.groups))
	return true
}

func (self *Router) GroupCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.groups)
}

// tick periodically nudges idle groups to re-attempt their own removal.
func (self *Router) tick() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.TickInterval):
		}

		self.mutex.Lock()
		groups := maps.Values(self.groups)
		self.mutex.Unlock()

		checks := 0
		for _, group := range groups {
			stats := group.Stats()
			if stats.MemberCount == 0 && !stats.Dirty {
				group.Tick()
				checks += 1
				if self.settings.MaxTickChecks <= checks {
					break
				}
			}
		}
	}
}

// Drain flushes every dirty group and closes the registry.
// Called once at process shutdown.
func (self *Router) Drain(ctx context.Context) error {
	self.mutex.Lock()
	groups := maps.Values(self.groups)
	self.groups = map[DocumentId]*Group{}
	self.mutex.Unlock()

	var waitGroup sync.WaitGroup
	var errLock sync.Mutex
	var drainErr error
	for _, group := range groups {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if err := group.Drain(ctx); err != nil {
				errLock.Lock()
				drainErr = err
				errLock.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	self.cancel()
	glog.Infof("[r]drained %d groups\n", len(groups))
	return drainErr
}
