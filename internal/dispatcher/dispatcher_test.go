package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

func testConfig() Config {
	return Config{
		CSE: resource.CSEInfo{
			RI:              "cseweave",
			RN:              "cse-in",
			CSI:             "/id-in",
			SPID:            "sp.example",
			AdminOriginator: "CAdmin",
		},
		Defaults: resource.Defaults{
			MaxExpirationDelta: 8760 * time.Hour,
		},
		SortDiscovery: true,
	}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(logger)
	for _, name := range []string{
		events.CreateLocalResource,
		events.UpdateLocalResource,
		events.DeleteLocalResource,
		events.CreateDirectChild,
		events.DeleteDirectChild,
		events.RetrieveLocalResource,
		events.AERegistered,
		events.AEDeregistered,
		events.RemoteCSERegistered,
		events.RemoteCSEDeregistered,
	} {
		require.NoError(t, bus.AddEvent(name, false))
	}

	pool := workers.NewPool(logger)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(sctx)
	})

	d := New(store, resource.NewRegistry(logger), bus, pool, testConfig(), logger)

	base := resource.NewCSEBase(d.cse, []int{1, 2, 3, 4, 5, 9, 16, 17, 23, 29, 30, 48})
	require.NoError(t, store.UpsertResource(ctx, base.Document()))
	require.NoError(t, store.UpsertIdentifier(ctx, &storage.IdentifierRecord{
		RI:   base.RI(),
		RN:   base.RN(),
		SRN:  base.StructuredPath(),
		Type: base.Type(),
	}))
	return d
}

var testRqi = 0

func doRequest(t *testing.T, d *Dispatcher, req *types.Request) *types.Response {
	t.Helper()
	if req.RequestID == "" {
		testRqi++
		req.RequestID = "rqi" + string(rune('A'+testRqi%26)) + time.Now().Format("150405.000000")
	}
	return d.Handle(context.Background(), req)
}

func create(t *testing.T, d *Dispatcher, target, originator string, ty types.ResourceType, attrs types.JSON) *types.Response {
	t.Helper()
	return doRequest(t, d, &types.Request{
		Operation:  types.OperationCreate,
		Target:     target,
		Originator: originator,
		Type:       ty,
		Content:    types.JSON{ty.ShortName(): attrs},
	})
}

func mustCreate(t *testing.T, d *Dispatcher, target, originator string, ty types.ResourceType, attrs types.JSON) types.JSON {
	t.Helper()
	resp := create(t, d, target, originator, ty, attrs)
	require.Equal(t, types.RSCCreated, resp.RSC, "create failed: %v", resp.Content)
	inner, ok := resp.Content[ty.ShortName()].(types.JSON)
	require.True(t, ok, "response content missing %s", ty.ShortName())
	return inner
}

func retrieve(t *testing.T, d *Dispatcher, target, originator string) *types.Response {
	t.Helper()
	return doRequest(t, d, &types.Request{
		Operation:  types.OperationRetrieve,
		Target:     target,
		Originator: originator,
	})
}

func TestHandleRejectsMalformedEnvelope(t *testing.T) {
	d := newTestDispatcher(t)

	resp := d.Handle(context.Background(), &types.Request{
		Operation: types.OperationRetrieve,
		Target:    "cse-in",
	})
	assert.Equal(t, types.RSCBadRequest, resp.RSC)

	resp = doRequest(t, d, &types.Request{Operation: 42, Target: "cse-in", Originator: "CAdmin"})
	assert.Equal(t, types.RSCBadRequest, resp.RSC)

	// Only an AE registration may omit the originator.
	resp = doRequest(t, d, &types.Request{Operation: types.OperationRetrieve, Target: "cse-in"})
	assert.Equal(t, types.RSCBadRequest, resp.RSC)
}

func TestHandleResponseEnvelope(t *testing.T) {
	d := newTestDispatcher(t)

	resp := d.Handle(context.Background(), &types.Request{
		Operation:      types.OperationRetrieve,
		Target:         "cse-in",
		Originator:     "CAdmin",
		RequestID:      "rqi-1",
		ReleaseVersion: "4",
	})
	assert.Equal(t, types.RSCOK, resp.RSC)
	assert.Equal(t, "rqi-1", resp.RequestID)
	assert.Equal(t, "4", resp.ReleaseVersion)
	assert.Equal(t, "/id-in", resp.From)
	assert.Equal(t, "CAdmin", resp.To)
	assert.NotEmpty(t, resp.OriginatingTimestamp)
	assert.Contains(t, resp.Content, "m2m:cb")
}

func TestCreateAE(t *testing.T) {
	d := newTestDispatcher(t)

	ae := mustCreate(t, d, "cse-in", "Cclient1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample.app", "rr": true,
	})
	assert.Equal(t, "ae1", ae["rn"])
	assert.Equal(t, "Cclient1", ae["aei"])
	assert.NotEmpty(t, ae["ri"])
	assert.NotEmpty(t, ae["ct"])
	assert.NotEmpty(t, ae["et"])

	// The resource resolves by structured and unstructured address.
	for _, target := range []string{"cse-in/ae1", ae["ri"].(string), "/id-in/cse-in/ae1", "//sp.example/id-in/cse-in/ae1"} {
		resp := retrieve(t, d, target, "Cclient1")
		assert.Equal(t, types.RSCOK, resp.RSC, "target %s", target)
		assert.Contains(t, resp.Content, "m2m:ae")
	}
}

func TestCreateAEAllocatesAEID(t *testing.T) {
	d := newTestDispatcher(t)

	ae := mustCreate(t, d, "cse-in", "", types.ResourceTypeAE, types.JSON{
		"rn": "anon", "api": "Nanon", "rr": false,
	})
	aei, _ := ae["aei"].(string)
	require.NotEmpty(t, aei)
	assert.Equal(t, byte('C'), aei[0])
}

func TestCreateValidation(t *testing.T) {
	d := newTestDispatcher(t)
	mustCreate(t, d, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": true,
	})
	mustCreate(t, d, "cse-in/ae1", "Cae1", types.ResourceTypeContainer, types.JSON{"rn": "data"})

	tests := []struct {
		name    string
		req     *types.Request
		wantRSC types.ResponseStatusCode
	}{
		{
			name: "missing resource type",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in", Originator: "Cae1",
				Content: types.JSON{"m2m:cnt": types.JSON{}},
			},
			wantRSC: types.RSCBadRequest,
		},
		{
			name: "cse base not creatable",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in", Originator: "Cae1",
				Type:    types.ResourceTypeCSEBase,
				Content: types.JSON{"m2m:cb": types.JSON{}},
			},
			wantRSC: types.RSCOperationNotAllowed,
		},
		{
			name: "request resources are CSE-internal",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in", Originator: "Cae1",
				Type:    types.ResourceTypeREQ,
				Content: types.JSON{"m2m:req": types.JSON{}},
			},
			wantRSC: types.RSCOperationNotAllowed,
		},
		{
			name: "invalid child type",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in", Originator: "Cae1",
				Type:    types.ResourceTypeCIN,
				Content: types.JSON{"m2m:cin": types.JSON{"con": "x"}},
			},
			wantRSC: types.RSCInvalidChildResourceType,
		},
		{
			name: "content wrapper mismatch",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in/ae1", Originator: "Cae1",
				Type:    types.ResourceTypeContainer,
				Content: types.JSON{"m2m:ae": types.JSON{}},
			},
			wantRSC: types.RSCBadRequest,
		},
		{
			name: "duplicate resource name",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in/ae1", Originator: "Cae1",
				Type:    types.ResourceTypeContainer,
				Content: types.JSON{"m2m:cnt": types.JSON{"rn": "data"}},
			},
			wantRSC: types.RSCAlreadyExists,
		},
		{
			name: "virtual name is reserved",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in/ae1/data", Originator: "Cae1",
				Type:    types.ResourceTypeCIN,
				Content: types.JSON{"m2m:cin": types.JSON{"rn": "la", "con": "x"}},
			},
			wantRSC: types.RSCContentsUnacceptable,
		},
		{
			name: "create under virtual resource",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in/ae1/data/la", Originator: "Cae1",
				Type:    types.ResourceTypeCIN,
				Content: types.JSON{"m2m:cin": types.JSON{"con": "x"}},
			},
			wantRSC: types.RSCNotFound, // empty container: la does not resolve
		},
		{
			name: "target not found",
			req: &types.Request{
				Operation: types.OperationCreate, Target: "cse-in/nope", Originator: "Cae1",
				Type:    types.ResourceTypeContainer,
				Content: types.JSON{"m2m:cnt": types.JSON{}},
			},
			wantRSC: types.RSCNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, d, tt.req)
			assert.Equal(t, tt.wantRSC, resp.RSC, "got: %v", resp.Content)
			assert.Contains(t, resp.Content, "m2m:dbg")
		})
	}
}

func TestCreateUnderVirtualIsRefused(t *testing.T) {
	d := newTestDispatcher(t)
	mustCreate(t, d, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": true,
	})
	mustCreate(t, d, "cse-in/ae1", "Cae1", types.ResourceTypeContainer, types.JSON{"rn": "data"})
	mustCreate(t, d, "cse-in/ae1/data", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "one"})

	resp := create(t, d, "cse-in/ae1/data/la", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "two"})
	assert.Equal(t, types.RSCOperationNotAllowed, resp.RSC)
}

func TestRetrieveResultContent(t *testing.T) {
	d := newTestDispatcher(t)
	mustCreate(t, d, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": true,
	})
	mustCreate(t, d, "cse-in/ae1", "Cae1", types.ResourceTypeContainer, types.JSON{"rn": "data"})
	mustCreate(t, d, "cse-in/ae1", "Cae1", types.ResourceTypeContainer, types.JSON{"rn": "config"})

	t.Run("hierarchical address", func(t *testing.T) {
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationRetrieve, Target: "cse-in/ae1", Originator: "Cae1",
			ResultContent: types.ResultContentHierarchicalAddr,
		})
		require.Equal(t, types.RSCOK, resp.RSC)
		assert.Equal(t, "cse-in/ae1", resp.Content["m2m:uri"])
	})

	t.Run("attributes and children", func(t *testing.T) {
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationRetrieve, Target: "cse-in/ae1", Originator: "Cae1",
			ResultContent: types.ResultContentAttributesAndChild,
		})
		require.Equal(t, types.RSCOK, resp.RSC)
		inner, ok := resp.Content["m2m:ae"].(types.JSON)
		require.True(t, ok)
		children, ok := inner["m2m:cnt"].([]any)
		require.True(t, ok)
		assert.Len(t, children, 2)
	})

	t.Run("child resource references", func(t *testing.T) {
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationRetrieve, Target: "cse-in/ae1", Originator: "Cae1",
			ResultContent: types.ResultContentChildResourceRefs,
		})
		require.Equal(t, types.RSCOK, resp.RSC)
		rrl, ok := resp.Content["m2m:rrl"].(types.JSON)
		require.True(t, ok)
		refs, ok := rrl["rrf"].([]types.JSON)
		require.True(t, ok)
		require.Len(t, refs, 2)
		assert.Equal(t, "data", refs[0]["nm"])
		assert.Equal(t, "cse-in/ae1/data", refs[0]["val"])
		assert.Equal(t, int(types.ResourceTypeContainer), refs[0]["typ"])
	})

	t.Run("not found", func(t *testing.T) {
		resp := retrieve(t, d, "cse-in/missing", "Cae1")
		assert.Equal(t, types.RSCNotFound, resp.RSC)
	})
}

func TestVirtualAddressing(t *testing.T) {
	d := newTestDispatcher(t)
	mustCreate(t, d, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": true,
	})
	mustCreate(t, d, "cse-in/ae1", "Cae1", types.ResourceTypeContainer, types.JSON{"rn": "data"})

	t.Run("empty container has no instances", func(t *testing.T) {
		resp := retrieve(t, d, "cse-in/ae1/data/la", "Cae1")
		assert.Equal(t, types.RSCNotFound, resp.RSC)
	})

	first := mustCreate(t, d, "cse-in/ae1/data", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "one"})
	time.Sleep(5 * time.Millisecond) // distinct creation timestamps
	second := mustCreate(t, d, "cse-in/ae1/data", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "two"})

	t.Run("latest and oldest resolve", func(t *testing.T) {
		resp := retrieve(t, d, "cse-in/ae1/data/la", "Cae1")
		require.Equal(t, types.RSCOK, resp.RSC)
		cin := resp.Content["m2m:cin"].(types.JSON)
		assert.Equal(t, second["ri"], cin["ri"])

		resp = retrieve(t, d, "cse-in/ae1/data/ol", "Cae1")
		require.Equal(t, types.RSCOK, resp.RSC)
		cin = resp.Content["m2m:cin"].(types.JSON)
		assert.Equal(t, first["ri"], cin["ri"])
	})

	t.Run("virtual children cannot be updated", func(t *testing.T) {
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationUpdate, Target: "cse-in/ae1/data/la", Originator: "Cae1",
			Content: types.JSON{"m2m:cin": types.JSON{"lbl": []string{"x"}}},
		})
		assert.Equal(t, types.RSCOperationNotAllowed, resp.RSC)
	})

	t.Run("deleting latest removes the newest instance", func(t *testing.T) {
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationDelete, Target: "cse-in/ae1/data/la", Originator: "Cae1",
		})
		require.Equal(t, types.RSCDeleted, resp.RSC)

		resp = retrieve(t, d, "cse-in/ae1/data/la", "Cae1")
		require.Equal(t, types.RSCOK, resp.RSC)
		cin := resp.Content["m2m:cin"].(types.JSON)
		assert.Equal(t, first["ri"], cin["ri"])
	})
}

func TestUpdate(t *testing.T) {
	d := newTestDispatcher(t)
	mustCreate(t, d, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": true,
	})
	cnt := mustCreate(t, d, "cse-in/ae1", "Cae1", types.ResourceTypeContainer, types.JSON{"rn": "data"})

	t.Run("applies the delta and bumps lt", func(t *testing.T) {
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationUpdate, Target: "cse-in/ae1/data", Originator: "Cae1",
			Content: types.JSON{"m2m:cnt": types.JSON{"lbl": []string{"building:7"}, "mni": 5}},
		})
		require.Equal(t, types.RSCUpdated, resp.RSC)
		updated := resp.Content["m2m:cnt"].(types.JSON)
		assert.Equal(t, []string{"building:7"}, updated["lbl"])
		assert.GreaterOrEqual(t, updated["lt"].(string), cnt["lt"].(string))
	})

	t.Run("attribute removal by null", func(t *testing.T) {
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationUpdate, Target: "cse-in/ae1/data", Originator: "Cae1",
			Content: types.JSON{"m2m:cnt": types.JSON{"lbl": nil}},
		})
		require.Equal(t, types.RSCUpdated, resp.RSC)
		updated := resp.Content["m2m:cnt"].(types.JSON)
		assert.NotContains(t, updated, "lbl")
	})

	t.Run("immutable attribute is refused", func(t *testing.T) {
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationUpdate, Target: "cse-in/ae1", Originator: "Cae1",
			Content: types.JSON{"m2m:ae": types.JSON{"api": "Nother"}},
		})
		assert.Equal(t, types.RSCBadRequest, resp.RSC)
	})

	t.Run("instances are immutable", func(t *testing.T) {
		mustCreate(t, d, "cse-in/ae1/data", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "x"})
		resp := doRequest(t, d, &types.Request{
			Operation: types.OperationUpdate, Target: "cse-in/ae1/data/la", Originator: "Cae1",
			Content: types.JSON{"m2m:cin": types.JSON{"lbl": []string{"x"}}},
		})
		assert.Equal(t, types.RSCOperationNotAllowed, resp.RSC)
	})
}

func TestDeleteSubtree(t *testing.T) {
	d := newTestDispatcher(t)
	mustCreate(t, d, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": true,
	})
	mustCreate(t, d, "cse-in/ae1", "Cae1", types.ResourceTypeContainer, types.JSON{"rn": "data"})
	mustCreate(t, d, "cse-in/ae1/data", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "one"})

	var deleted []string
	_, err := d.bus.AddHandler(events.DeleteLocalResource, func(_ context.Context, ev events.Event) {
		re := ev.Payload.(*events.ResourceEvent)
		deleted = append(deleted, re.Resource.RN())
	})
	require.NoError(t, err)

	resp := doRequest(t, d, &types.Request{
		Operation: types.OperationDelete, Target: "cse-in/ae1", Originator: "Cae1",
	})
	require.Equal(t, types.RSCDeleted, resp.RSC)

	// Children go before their parent.
	require.Len(t, deleted, 3)
	assert.Equal(t, "ae1", deleted[2])

	for _, target := range []string{"cse-in/ae1", "cse-in/ae1/data", "cse-in/ae1/data/la"} {
		resp := retrieve(t, d, target, "Cae1")
		assert.Equal(t, types.RSCNotFound, resp.RSC, "target %s", target)
	}
}

func TestDeleteCSEBaseRefused(t *testing.T) {
	d := newTestDispatcher(t)
	resp := doRequest(t, d, &types.Request{
		Operation: types.OperationDelete, Target: "cse-in", Originator: "CAdmin",
	})
	assert.Equal(t, types.RSCOperationNotAllowed, resp.RSC)
}

func TestResolveTargetForms(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		target  string
		wantRI  string
		wantErr types.ResponseStatusCode
	}{
		{target: "cse-in", wantRI: "cseweave"},
		{target: "cseweave", wantRI: "cseweave"},
		{target: "/id-in", wantRI: "cseweave"},
		{target: "/id-in/cseweave", wantRI: "cseweave"},
		{target: "//sp.example/id-in/cse-in", wantRI: "cseweave"},
		{target: "", wantErr: types.RSCBadRequest},
		{target: "/id-mn/some", wantErr: types.RSCTargetNotReachable},
		{target: "//other.sp/id-in/cse-in", wantErr: types.RSCTargetNotReachable},
		{target: "unknown-ri", wantErr: types.RSCNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			r, _, err := d.Resolve(ctx, tt.target)
			if tt.wantErr != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, types.RSCOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRI, r.RI())
		})
	}
}

func TestNonBlockingRequest(t *testing.T) {
	d := newTestDispatcher(t)

	resp := doRequest(t, d, &types.Request{
		Operation:    types.OperationCreate,
		Target:       "cse-in",
		Originator:   "Cae1",
		RequestID:    "nb-1",
		Type:         types.ResourceTypeAE,
		ResponseType: types.ResponseTypeNonBlockingSync,
		Content:      types.JSON{"m2m:ae": types.JSON{"rn": "ae1", "api": "Nexample", "rr": true}},
	})
	require.Equal(t, types.RSCAccepted, resp.RSC)

	reqURI, ok := resp.Content["m2m:uri"].(string)
	require.True(t, ok)
	require.NotEmpty(t, reqURI)

	// The actor completes the request asynchronously.
	require.Eventually(t, func() bool {
		r := retrieve(t, d, reqURI, "Cae1")
		if r.RSC != types.RSCOK {
			return false
		}
		req := r.Content["m2m:req"].(types.JSON)
		return req["rs"] == int(types.RequestStatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	r := retrieve(t, d, reqURI, "Cae1")
	require.Equal(t, types.RSCOK, r.RSC)
	req := r.Content["m2m:req"].(types.JSON)
	ors := req["ors"].(types.JSON)
	assert.Equal(t, int(types.RSCCreated), ors["rsc"])
	assert.Equal(t, "nb-1", ors["rqi"])
	assert.Contains(t, ors["pc"].(types.JSON), "m2m:ae")

	// The operation itself took effect.
	got := retrieve(t, d, "cse-in/ae1", "Cae1")
	assert.Equal(t, types.RSCOK, got.RSC)
}

func TestNonBlockingFailureIsRecorded(t *testing.T) {
	d := newTestDispatcher(t)

	resp := doRequest(t, d, &types.Request{
		Operation:    types.OperationRetrieve,
		Target:       "cse-in/missing",
		Originator:   "Cae1",
		RequestID:    "nb-2",
		ResponseType: types.ResponseTypeNonBlockingAsync,
	})
	require.Equal(t, types.RSCAccepted, resp.RSC)
	reqURI := resp.Content["m2m:uri"].(string)

	require.Eventually(t, func() bool {
		r := retrieve(t, d, reqURI, "Cae1")
		if r.RSC != types.RSCOK {
			return false
		}
		req := r.Content["m2m:req"].(types.JSON)
		return req["rs"] == int(types.RequestStatusFailed)
	}, 2*time.Second, 10*time.Millisecond)

	r := retrieve(t, d, reqURI, "Cae1")
	req := r.Content["m2m:req"].(types.JSON)
	ors := req["ors"].(types.JSON)
	assert.Equal(t, int(types.RSCNotFound), ors["rsc"])
}

func TestPendingRequestCannotBeRecalled(t *testing.T) {
	d := newTestDispatcher(t)

	base, err := d.ResourceByID(context.Background(), "cseweave")
	require.NoError(t, err)
	reqRes := resource.NewRequestResource(&types.Request{
		Operation: types.OperationRetrieve,
		Target:    "cse-in",
		RequestID: "rq-pending",
	}, "Cae1", base, d.defaults)
	require.NoError(t, d.CreateResource(context.Background(), base, reqRes, "CAdmin"))

	resp := doRequest(t, d, &types.Request{
		Operation: types.OperationDelete, Target: reqRes.StructuredPath(), Originator: "CAdmin",
	})
	assert.Equal(t, types.RSCUnableToRecallRequest, resp.RSC)
}

func TestCreateEvents(t *testing.T) {
	d := newTestDispatcher(t)

	fired := map[string]int{}
	for _, name := range []string{events.CreateLocalResource, events.CreateDirectChild, events.AERegistered} {
		name := name
		_, err := d.bus.AddHandler(name, func(_ context.Context, ev events.Event) {
			fired[name]++
		})
		require.NoError(t, err)
	}

	mustCreate(t, d, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": true,
	})
	assert.Equal(t, 1, fired[events.CreateLocalResource])
	assert.Equal(t, 1, fired[events.CreateDirectChild])
	assert.Equal(t, 1, fired[events.AERegistered])
}
