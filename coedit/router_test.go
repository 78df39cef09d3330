package coedit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testRouterSettings() *RouterSettings {
	return &RouterSettings{
		TickInterval:  20 * time.Millisecond,
		MaxTickChecks: 5,
		JoinRetries:   4,
		GroupSettings: testGroupSettings(),
	}
}

func TestSingleGroupInvariant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemorySnapshotStore()
	settings := testRouterSettings()
	settings.GroupSettings.IdleTimeout = time.Hour
	router := NewRouter(ctx, store, nil, settings)

	// concurrent getOrCreate calls for the same id return exactly one
	// group instance
	const n = 64
	groups := make([]*Group, n)
	var waitGroup sync.WaitGroup
	for i := range n {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			groups[i] = router.GetOrCreate("d1")
		}()
	}
	waitGroup.Wait()

	for i := 1; i < n; i += 1 {
		assert.Equal(t, groups[0] == groups[i], true)
	}
	assert.Equal(t, router.GroupCount(), 1)

	assert.Equal(t, router.GetOrCreate("d2") == groups[0], false)
	assert.Equal(t, router.GroupCount(), 2)
}

func TestIdleEvictionAndRecreate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemorySnapshotStore()
	router := NewRouter(ctx, store, nil, testRouterSettings())

	a := newTestSession(ctx, "d1", 32)
	group, err := router.Join(a, 0)
	assert.Equal(t, err, nil)
	expectAuthResult(t, a)

	for clock := uint64(1); clock <= 2; clock += 1 {
		assert.Equal(t, group.Publish(a, &UpdateFrame{
			OriginClientId: a.ClientId(),
			Clock:          clock,
			BaseSeq:        clock - 1,
			Ops:            testOps("k", "v", clock),
		}), nil)
		ack, ok := nextFrame(t, a, time.Second).(*AckFrame)
		assert.Equal(t, ok, true)
		assert.Equal(t, ack.AssignedSequence, clock)
	}

	// membership reaches zero, the idle timer fires, the final flush runs
	// and the group leaves the registry
	group.Leave(a)
	eventually(t, 2*time.Second, func() bool {
		return router.GroupCount() == 0
	})

	snapshot, err := store.Load(ctx, "d1")
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot.Seq, uint64(2))

	// a later join recreates the group from the persisted snapshot with the
	// correct sequence
	b := newTestSession(ctx, "d1", 32)
	recreated, err := router.Join(b, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, recreated == group, false)

	authResult := expectAuthResult(t, b)
	assert.Equal(t, authResult.Sequence, uint64(2))

	// the restored state has no history for seq 0, so the join answers with
	// a full resync
	resync, ok := nextFrame(t, b, time.Second).(*ResyncFrame)
	assert.Equal(t, ok, true)
	assert.Equal(t, resync.Sequence, uint64(2))
}

func TestRouterDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemorySnapshotStore()
	settings := testRouterSettings()
	settings.GroupSettings.IdleTimeout = time.Hour
	settings.GroupSettings.FlushInterval = time.Hour
	router := NewRouter(ctx, store, nil, settings)

	sessions := map[DocumentId]*Session{}
	for _, documentId := range []DocumentId{"d1", "d2"} {
		session := newTestSession(ctx, documentId, 32)
		group, err := router.Join(session, 0)
		assert.Equal(t, err, nil)
		expectAuthResult(t, session)
		assert.Equal(t, group.Publish(session, &UpdateFrame{
			OriginClientId: session.ClientId(),
			Clock:          1,
			BaseSeq:        0,
			Ops:            testOps("k", "v", 1),
		}), nil)
		ack, ok := nextFrame(t, session, time.Second).(*AckFrame)
		assert.Equal(t, ok, true)
		assert.Equal(t, ack.AssignedSequence, uint64(1))
		sessions[documentId] = session
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, 5*time.Second)
	defer drainCancel()
	assert.Equal(t, router.Drain(drainCtx), nil)
	assert.Equal(t, router.GroupCount(), 0)

	for _, documentId := range []DocumentId{"d1", "d2"} {
		snapshot, err := store.Load(ctx, documentId)
		assert.Equal(t, err, nil)
		assert.Equal(t, snapshot.Seq, uint64(1))

		// members are closed with a shutdown error
		session := sessions[documentId]
		select {
		case <-session.Done():
		case <-time.After(time.Second):
			t.Fatal("session not closed by drain")
		}
		terminalError := session.TerminalError()
		assert.NotEqual(t, terminalError, nil)
		assert.Equal(t, terminalError.Code, ErrorCodeShutdown)
	}
}
