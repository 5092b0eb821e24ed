package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceTypeClassification(t *testing.T) {
	tests := []struct {
		name      string
		ty        ResourceType
		virtual   bool
		instance  bool
		shortName string
	}{
		{"container", ResourceTypeContainer, false, false, "m2m:cnt"},
		{"content instance", ResourceTypeCIN, false, true, "m2m:cin"},
		{"time series instance", ResourceTypeTSI, false, true, "m2m:tsi"},
		{"container latest", ResourceTypeContainerLatest, true, false, "m2m:latest"},
		{"time series oldest", ResourceTypeTSOldest, true, false, "m2m:oldest"},
		{"subscription", ResourceTypeSUB, false, false, "m2m:sub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.virtual, tt.ty.IsVirtual())
			assert.Equal(t, tt.instance, tt.ty.IsInstance())
			assert.Equal(t, tt.shortName, tt.ty.ShortName())
		})
	}
}

func TestResourceTypeAnnounced(t *testing.T) {
	annc := ResourceTypeAE.Announced()
	assert.Equal(t, ResourceType(10002), annc)
	assert.True(t, annc.IsAnnounced())
	assert.False(t, ResourceTypeAE.IsAnnounced())
	assert.Equal(t, "AEAnnc", annc.String())
}

func TestOperationPermission(t *testing.T) {
	assert.Equal(t, PermissionCreate, OperationCreate.Permission())
	assert.Equal(t, PermissionRetrieve, OperationRetrieve.Permission())
	assert.Equal(t, PermissionUpdate, OperationUpdate.Permission())
	assert.Equal(t, PermissionDelete, OperationDelete.Permission())
	assert.Equal(t, PermissionNotify, OperationNotify.Permission())
}

func TestPermissionHas(t *testing.T) {
	p := PermissionCreate | PermissionRetrieve
	assert.True(t, p.Has(PermissionCreate))
	assert.True(t, p.Has(PermissionRetrieve))
	assert.False(t, p.Has(PermissionDelete))
	assert.True(t, PermissionAll.Has(PermissionDiscovery))
}

func TestErrorTaxonomyMatching(t *testing.T) {
	err := Errorf(RSCNotFound, "no such resource: %s", "cnt42")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrAlreadyExists))
	assert.Equal(t, RSCNotFound, RSCOf(err))

	wrapped := fmt.Errorf("dispatch failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, RSCNotFound, RSCOf(wrapped))
}

func TestErrorWrapCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(RSCTargetNotReachable, "notification target", cause)

	assert.True(t, errors.Is(err, ErrTargetNotReachable))
	assert.True(t, errors.Is(err, cause))
}

func TestDatabaseInconsistencyDistinctFromInternal(t *testing.T) {
	dbErr := DatabaseInconsistencyf("identifier record missing for %s", "ri1")
	internalErr := Errorf(RSCInternalServerError, "storage failure")

	assert.True(t, errors.Is(dbErr, ErrDatabaseInconsistency))
	assert.True(t, errors.Is(dbErr, ErrInternalServerError))
	assert.True(t, errors.Is(internalErr, ErrInternalServerError))
	assert.False(t, errors.Is(internalErr, ErrDatabaseInconsistency))
}

func TestRSCOfUntypedError(t *testing.T) {
	assert.Equal(t, RSCInternalServerError, RSCOf(errors.New("boom")))
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	s := Timestamp(now)
	assert.Equal(t, "20260314T092653,589793", s)

	parsed, err := ParseTimestamp(s)
	require.NoError(t, err)
	assert.True(t, now.Equal(parsed))
}

func TestParseTimestampWithoutFraction(t *testing.T) {
	parsed, err := ParseTimestamp("20260314T092653")
	require.NoError(t, err)
	assert.Equal(t, 2026, parsed.Year())
	assert.Equal(t, 53, parsed.Second())

	_, err = ParseTimestamp("not-a-timestamp")
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"PT5S", 5 * time.Second},
		{"PT1M30S", 90 * time.Second},
		{"P1D", 24 * time.Hour},
		{"5s", 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDuration("whenever")
	assert.Error(t, err)
}

func TestRequestIsDiscovery(t *testing.T) {
	req := &Request{Operation: OperationRetrieve}
	assert.False(t, req.IsDiscovery())

	req.Filter = &FilterCriteria{FilterUsage: FilterUsageDiscovery}
	assert.True(t, req.IsDiscovery())

	req.Operation = OperationCreate
	assert.False(t, req.IsDiscovery())
}
