package storage

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/cseweave/internal/types"
)

func TestInstrumentedStorePassThrough(t *testing.T) {
	store := Instrument(NewMemoryStore())
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	before := testutil.ToFloat64(storageOperationsTotal.WithLabelValues("upsert_resource", "success"))

	require.NoError(t, store.UpsertResource(ctx, types.JSON{"ri": "r1", "pi": "cb", "ty": 3, "rn": "r1"}))
	got, err := store.ResourceByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got["rn"])

	after := testutil.ToFloat64(storageOperationsTotal.WithLabelValues("upsert_resource", "success"))
	assert.Equal(t, before+1, after)
}

func TestInstrumentedStoreNotFoundCountsAsSuccess(t *testing.T) {
	store := Instrument(NewMemoryStore())
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	errBefore := testutil.ToFloat64(storageOperationsTotal.WithLabelValues("resource_by_id", "error"))

	_, err := store.ResourceByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrResourceNotFound)

	errAfter := testutil.ToFloat64(storageOperationsTotal.WithLabelValues("resource_by_id", "error"))
	assert.Equal(t, errBefore, errAfter, "a miss is normal control flow, not a backend failure")
}
