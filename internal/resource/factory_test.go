package resource

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/cseweave/internal/types"
)

func testCSEInfo() CSEInfo {
	return CSEInfo{
		RI:              "id-in",
		RN:              "cse-in",
		CSI:             "/id-in",
		SPID:            "cseweave.example",
		AdminOriginator: "CAdmin",
	}
}

func testDefaults() Defaults {
	return Defaults{
		ExpirationDelta:    24 * time.Hour,
		MaxExpirationDelta: 72 * time.Hour,
	}
}

func TestGenerateRI(t *testing.T) {
	ri := GenerateRI(types.ResourceTypeContainer)
	assert.True(t, strings.HasPrefix(ri, "cnt"))
	assert.NotEqual(t, ri, GenerateRI(types.ResourceTypeContainer))

	assert.True(t, strings.HasPrefix(GenerateRI(types.ResourceTypeAE), "ae"))
	assert.True(t, strings.HasPrefix(GenerateRI(types.ResourceTypeSUB), "sub"))
}

func TestUnwrapContent(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		payload, err := UnwrapContent(types.ResourceTypeContainer, types.JSON{
			"m2m:cnt": map[string]any{"rn": "sensor"},
		})
		require.NoError(t, err)
		assert.Equal(t, "sensor", payload["rn"])
	})

	t.Run("wrong wrapper", func(t *testing.T) {
		_, err := UnwrapContent(types.ResourceTypeContainer, types.JSON{
			"m2m:ae": map[string]any{"rn": "sensor"},
		})
		require.Error(t, err)
		assert.Equal(t, types.RSCBadRequest, types.RSCOf(err))
	})

	t.Run("two keys", func(t *testing.T) {
		_, err := UnwrapContent(types.ResourceTypeContainer, types.JSON{
			"m2m:cnt": map[string]any{},
			"m2m:ae":  map[string]any{},
		})
		require.Error(t, err)
		assert.Equal(t, types.RSCBadRequest, types.RSCOf(err))
	})

	t.Run("wrapper not an object", func(t *testing.T) {
		_, err := UnwrapContent(types.ResourceTypeContainer, types.JSON{
			"m2m:cnt": "text",
		})
		require.Error(t, err)
		assert.Equal(t, types.RSCBadRequest, types.RSCOf(err))
	})
}

func TestNewFromPayload(t *testing.T) {
	base := NewCSEBase(testCSEInfo(), []int{1, 2, 3})

	t.Run("assigns identifiers and timestamps", func(t *testing.T) {
		r := NewFromPayload(types.ResourceTypeContainer, types.JSON{"rn": "sensor"}, base, "Cae1", testDefaults())

		assert.True(t, strings.HasPrefix(r.RI(), "cnt"))
		assert.Equal(t, "sensor", r.RN())
		assert.Equal(t, "id-in", r.PI())
		assert.Equal(t, "cse-in/sensor", r.StructuredPath())
		assert.Equal(t, "Cae1", r.Originator())
		assert.NotEmpty(t, r.CreationTime())
		assert.Equal(t, r.CreationTime(), r.LastModified())
	})

	t.Run("default resource name", func(t *testing.T) {
		r := NewFromPayload(types.ResourceTypeContainer, types.JSON{}, base, "Cae1", testDefaults())
		assert.True(t, strings.HasPrefix(r.RN(), "cnt_"))
	})

	t.Run("expiration default applied", func(t *testing.T) {
		r := NewFromPayload(types.ResourceTypeContainer, types.JSON{}, base, "Cae1", testDefaults())
		et, err := types.ParseTimestamp(r.ExpirationTime())
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), et, time.Minute)
	})

	t.Run("requested expiration capped", func(t *testing.T) {
		far := types.Timestamp(time.Now().UTC().Add(1000 * time.Hour))
		r := NewFromPayload(types.ResourceTypeContainer, types.JSON{"et": far}, base, "Cae1", testDefaults())
		et, err := types.ParseTimestamp(r.ExpirationTime())
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC().Add(72*time.Hour), et, time.Minute)
	})

	t.Run("null creator filled with originator", func(t *testing.T) {
		r := NewFromPayload(types.ResourceTypeContainer, types.JSON{"cr": nil}, base, "Cae1", testDefaults())
		assert.Equal(t, "Cae1", r.GetString("cr"))
	})

	t.Run("absent creator stays absent", func(t *testing.T) {
		r := NewFromPayload(types.ResourceTypeContainer, types.JSON{}, base, "Cae1", testDefaults())
		assert.False(t, r.Has("cr"))
	})
}

func TestNewCSEBaseNeverExpires(t *testing.T) {
	base := NewCSEBase(testCSEInfo(), []int{1, 2, 3, 5})
	assert.Empty(t, base.ExpirationTime())
	assert.Equal(t, types.ResourceTypeCSEBase, base.Type())
	assert.Equal(t, "/id-in", base.GetString("csi"))
	assert.Equal(t, "cse-in", base.StructuredPath())
}

func TestClampExpiration(t *testing.T) {
	r := New(types.ResourceTypeCIN, types.JSON{"ri": "cin1"})
	r.Set("et", types.Timestamp(time.Now().UTC().Add(48*time.Hour)))

	ClampExpiration(r, time.Hour, testDefaults())
	et, err := types.ParseTimestamp(r.ExpirationTime())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), et, time.Minute)

	// A later clamp with a larger delta must not push et back out.
	before := r.ExpirationTime()
	ClampExpiration(r, 10*time.Hour, testDefaults())
	assert.Equal(t, before, r.ExpirationTime())
}

func TestSortByCreationTime(t *testing.T) {
	a := New(types.ResourceTypeCIN, types.JSON{"ri": "cinB", "ct": "20260101T000002"})
	b := New(types.ResourceTypeCIN, types.JSON{"ri": "cinA", "ct": "20260101T000001"})
	c := New(types.ResourceTypeCIN, types.JSON{"ri": "cinC", "ct": "20260101T000002"})

	list := []*Resource{a, b, c}
	SortByCreationTime(list)

	assert.Equal(t, "cinA", list[0].RI())
	assert.Equal(t, "cinB", list[1].RI())
	assert.Equal(t, "cinC", list[2].RI())
}

func TestVirtualChildMapping(t *testing.T) {
	ty, ok := VirtualChildType(types.ResourceTypeContainer, "la")
	require.True(t, ok)
	assert.Equal(t, types.ResourceTypeContainerLatest, ty)

	ty, ok = VirtualChildType(types.ResourceTypeContainer, "ol")
	require.True(t, ok)
	assert.Equal(t, types.ResourceTypeContainerOldest, ty)

	ty, ok = VirtualChildType(types.ResourceTypeTS, "la")
	require.True(t, ok)
	assert.Equal(t, types.ResourceTypeTSLatest, ty)

	_, ok = VirtualChildType(types.ResourceTypeAE, "la")
	assert.False(t, ok)

	_, ok = VirtualChildType(types.ResourceTypeContainer, "sensor")
	assert.False(t, ok)

	assert.Equal(t, types.ResourceTypeCIN, InstanceTypeFor(types.ResourceTypeContainerLatest))
	assert.Equal(t, types.ResourceTypeTSI, InstanceTypeFor(types.ResourceTypeTSOldest))
	assert.True(t, WantsLatest(types.ResourceTypeContainerLatest))
	assert.False(t, WantsLatest(types.ResourceTypeTSOldest))
}
