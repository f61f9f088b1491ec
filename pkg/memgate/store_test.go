package memgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

func sampleObject(id string, writtenAt time.Time) contracts.TypedMemoryObject {
	return contracts.TypedMemoryObject{
		ID:         id,
		Content:    "deploy finished without errors",
		MemoryType: "episodic",
		Provenance: "request:req-1 tool:deploy.status",
		Source:     contracts.SourceSystem,
		Trust: contracts.TrustScore{
			Score:      0.91,
			Evaluated:  true,
			ComputedAt: writtenAt,
		},
		Verified:  true,
		WrittenAt: writtenAt,
	}
}

func TestInMemoryStoreListPreservesWriteOrder(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, sampleObject("a", base)))
	require.NoError(t, s.Write(ctx, sampleObject("b", base.Add(time.Second))))
	require.NoError(t, s.Write(ctx, sampleObject("c", base.Add(2*time.Second))))

	objs, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "a", objs[0].ID)
	assert.Equal(t, "b", objs[1].ID)
}

func TestInMemoryStoreGetUnknown(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	written := sampleObject("obj-1", time.Date(2026, 5, 2, 8, 0, 0, 123456789, time.UTC))
	require.NoError(t, s.Write(ctx, written))

	got, err := s.Get(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, written.Content, got.Content)
	assert.Equal(t, written.Source, got.Source)
	assert.Equal(t, written.Trust.Score, got.Trust.Score)
	assert.True(t, got.Trust.Evaluated)
	assert.True(t, got.Verified)
	assert.True(t, written.WrittenAt.Equal(got.WrittenAt), "timestamps survive the round trip")

	objs, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestSQLiteStoreGetUnknown(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
