package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coedit/coedit/coedit"
)

func TestBoltSnapshotStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := NewBoltSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(ctx, "d1")
	require.ErrorIs(t, err, coedit.ErrSnapshotNotFound)

	createTime := time.Now()
	require.NoError(t, store.Save(ctx, &coedit.Snapshot{
		DocumentId: "d1",
		State:      []byte(`{"seq":5}`),
		Seq:        5,
		CreateTime: createTime,
	}))

	snapshot, err := store.Load(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, coedit.DocumentId("d1"), snapshot.DocumentId)
	require.Equal(t, uint64(5), snapshot.Seq)
	require.Equal(t, []byte(`{"seq":5}`), snapshot.State)
	require.Equal(t, createTime.UnixNano(), snapshot.CreateTime.UnixNano())

	// a stale save does not clobber a newer snapshot
	require.NoError(t, store.Save(ctx, &coedit.Snapshot{
		DocumentId: "d1",
		State:      []byte(`{"seq":3}`),
		Seq:        3,
		CreateTime: time.Now(),
	}))
	snapshot, err = store.Load(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), snapshot.Seq)
	require.Equal(t, []byte(`{"seq":5}`), snapshot.State)

	// a newer save supersedes
	require.NoError(t, store.Save(ctx, &coedit.Snapshot{
		DocumentId: "d1",
		State:      []byte(`{"seq":9}`),
		Seq:        9,
		CreateTime: time.Now(),
	}))
	snapshot, err = store.Load(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, uint64(9), snapshot.Seq)

	// documents are independent
	_, err = store.Load(ctx, "d2")
	require.ErrorIs(t, err, coedit.ErrSnapshotNotFound)
}

func TestBoltSnapshotStoreReopen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "snapshots.db")

	store, err := NewBoltSnapshotStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &coedit.Snapshot{
		DocumentId: "d1",
		State:      []byte(`{"seq":1}`),
		Seq:        1,
		CreateTime: time.Now(),
	}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltSnapshotStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	snapshot, err := reopened.Load(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), snapshot.Seq)
}
