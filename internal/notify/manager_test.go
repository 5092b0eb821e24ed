package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/piwi3910/cseweave/internal/dispatcher"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
	"github.com/piwi3910/cseweave/internal/types"
	"github.com/piwi3910/cseweave/internal/workers"
)

type testEnv struct {
	d     *dispatcher.Dispatcher
	m     *Manager
	store storage.Store
	pool  *workers.Pool
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
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
		events.ExpireResource,
		events.BlockingRetrieve,
		events.BlockingUpdate,
		events.ReportMissingDataPoints,
		events.NotificationSent,
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

	dcfg := dispatcher.Config{
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
	}
	d := dispatcher.New(store, resource.NewRegistry(logger), bus, pool, dcfg, logger)

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	m := NewManager(d, store, bus, pool, cfg, logger)
	d.SetNotificationManager(m)
	require.NoError(t, m.RegisterHandlers())

	base := resource.NewCSEBase(dcfg.CSE, []int{1, 2, 3, 4, 5, 9, 16, 17, 23, 29, 30, 48})
	require.NoError(t, store.UpsertResource(ctx, base.Document()))
	require.NoError(t, store.UpsertIdentifier(ctx, &storage.IdentifierRecord{
		RI:   base.RI(),
		RN:   base.RN(),
		SRN:  base.StructuredPath(),
		Type: base.Type(),
	}))
	return &testEnv{d: d, m: m, store: store, pool: pool}
}

// targetServer is a notification endpoint that records every body it
// receives.
type targetServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	status  int
	bodies  []types.JSON
	headers []http.Header
}

func newTargetServer(t *testing.T) *targetServer {
	t.Helper()
	ts := &targetServer{status: http.StatusOK}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body types.JSON
		_ = json.Unmarshal(raw, &body)

		ts.mu.Lock()
		ts.bodies = append(ts.bodies, body)
		ts.headers = append(ts.headers, r.Header.Clone())
		status := ts.status
		ts.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *targetServer) setStatus(code int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status = code
}

func (ts *targetServer) received() []types.JSON {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]types.JSON(nil), ts.bodies...)
}

// sgns returns the m2m:sgn payloads received so far, skipping
// verification requests.
func (ts *targetServer) sgns() []types.JSON {
	var out []types.JSON
	for _, body := range ts.received() {
		sgn := innerJSON(body, "m2m:sgn")
		if sgn == nil {
			continue
		}
		if v, ok := sgn["vrq"]; ok && v == true {
			continue
		}
		out = append(out, sgn)
	}
	return out
}

var testRqi int

func doRequest(t *testing.T, e *testEnv, req *types.Request) *types.Response {
	t.Helper()
	if req.RequestID == "" {
		testRqi++
		req.RequestID = "rqi" + time.Now().Format("150405.000000")
	}
	return e.d.Handle(context.Background(), req)
}

func create(t *testing.T, e *testEnv, target, originator string, ty types.ResourceType, attrs types.JSON) *types.Response {
	t.Helper()
	return doRequest(t, e, &types.Request{
		Operation:  types.OperationCreate,
		Target:     target,
		Originator: originator,
		Type:       ty,
		Content:    types.JSON{ty.ShortName(): attrs},
	})
}

func mustCreate(t *testing.T, e *testEnv, target, originator string, ty types.ResourceType, attrs types.JSON) types.JSON {
	t.Helper()
	resp := create(t, e, target, originator, ty, attrs)
	require.Equal(t, types.RSCCreated, resp.RSC, "create failed: %v", resp.Content)
	inner, ok := resp.Content[ty.ShortName()].(types.JSON)
	require.True(t, ok)
	return inner
}

func update(t *testing.T, e *testEnv, target, originator string, ty types.ResourceType, attrs types.JSON) *types.Response {
	t.Helper()
	return doRequest(t, e, &types.Request{
		Operation:  types.OperationUpdate,
		Target:     target,
		Originator: originator,
		Content:    types.JSON{ty.ShortName(): attrs},
	})
}

func retrieve(t *testing.T, e *testEnv, target, originator string) *types.Response {
	t.Helper()
	return doRequest(t, e, &types.Request{
		Operation:  types.OperationRetrieve,
		Target:     target,
		Originator: originator,
	})
}

func del(t *testing.T, e *testEnv, target, originator string) *types.Response {
	t.Helper()
	return doRequest(t, e, &types.Request{
		Operation:  types.OperationDelete,
		Target:     target,
		Originator: originator,
	})
}

// setupContainer registers an AE with a container under it.
func setupContainer(t *testing.T, e *testEnv) {
	t.Helper()
	mustCreate(t, e, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": false,
	})
	mustCreate(t, e, "cse-in/ae1", "Cae1", types.ResourceTypeContainer, types.JSON{
		"rn": "cnt1",
	})
}

func TestChildCreateNotification(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	sub := mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn": "sub1",
		"nu": []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{3}},
	})

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{
		"con": "v1",
	})

	sgns := srv.sgns()
	require.Len(t, sgns, 1)
	nev, ok := sgns[0]["nev"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, nev["net"])
	assert.Equal(t, "/id-in/"+sub["ri"].(string), sgns[0]["sur"])
	rep, ok := nev["rep"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, rep, "m2m:cin")
}

func TestOwnChildEventsAreSuppressed(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeSUB, types.JSON{
		"rn": "sub1",
		"nu": []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{3}},
	})

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{
		"con": "v1",
	})
	assert.Empty(t, srv.sgns())

	// A different originator's create still notifies.
	mustCreate(t, e, "cse-in/ae1/cnt1", "Cother", types.ResourceTypeCIN, types.JSON{
		"con": "v2",
	})
	assert.Len(t, srv.sgns(), 1)
}

func TestVerificationHandshake(t *testing.T) {
	e := newTestEnv(t, Config{VerificationEnabled: true})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn": "sub1",
		"nu": []string{srv.srv.URL},
	})

	bodies := srv.received()
	require.Len(t, bodies, 1)
	sgn := innerJSON(bodies[0], "m2m:sgn")
	require.NotNil(t, sgn)
	assert.Equal(t, true, sgn["vrq"])
	assert.Equal(t, "Cwatcher", sgn["cr"])
}

func TestVerificationFailureRejectsSubscription(t *testing.T) {
	e := newTestEnv(t, Config{VerificationEnabled: true})
	srv := newTargetServer(t)
	srv.setStatus(http.StatusForbidden)
	setupContainer(t, e)

	resp := create(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn": "sub1",
		"nu": []string{srv.srv.URL},
	})
	assert.Equal(t, types.RSCSubscriptionVerificationInitiationFailed, resp.RSC)

	// The failed create was unwound.
	resp = retrieve(t, e, "cse-in/ae1/cnt1/sub1", "Cwatcher")
	assert.Equal(t, types.RSCNotFound, resp.RSC)
}

func TestUpdateNotificationAttributeFilter(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{1}, "atr": []string{"lbl"}},
	})

	resp := update(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeContainer, types.JSON{
		"mni": 5,
	})
	require.Equal(t, types.RSCUpdated, resp.RSC)
	assert.Empty(t, srv.sgns(), "mni does not pass the atr filter")

	resp = update(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeContainer, types.JSON{
		"lbl": []string{"tag"},
	})
	require.Equal(t, types.RSCUpdated, resp.RSC)
	require.Len(t, srv.sgns(), 1)
}

func TestModifiedAttributesContent(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{1}},
		"nct": int(types.NctModifiedAttributes),
	})

	resp := update(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeContainer, types.JSON{
		"lbl": []string{"tag"},
	})
	require.Equal(t, types.RSCUpdated, resp.RSC)

	sgns := srv.sgns()
	require.Len(t, sgns, 1)
	nev := sgns[0]["nev"].(map[string]any)
	rep := nev["rep"].(map[string]any)
	cnt, ok := rep["m2m:cnt"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, cnt, 1, "only the delta travels")
	assert.Contains(t, cnt, "lbl")
}

func TestResourceDeleteNotification(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{2}},
	})

	resp := del(t, e, "cse-in/ae1/cnt1", "Cae1")
	require.Equal(t, types.RSCDeleted, resp.RSC)

	// The subscription lived under the deleted container and still got
	// its resourceDelete notification before the teardown.
	var found bool
	for _, sgn := range srv.sgns() {
		if nev, ok := sgn["nev"].(map[string]any); ok {
			if net, _ := nev["net"].(float64); int(net) == int(types.NetResourceDelete) {
				found = true
			}
		}
	}
	assert.True(t, found, "resourceDelete notification missing: %v", srv.sgns())
}

func TestDeletionNotificationToSubscriber(t *testing.T) {
	e := newTestEnv(t, Config{})
	notifySrv := newTargetServer(t)
	subscriberSrv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn": "sub1",
		"nu": []string{notifySrv.srv.URL},
		"su": subscriberSrv.srv.URL,
	})

	resp := del(t, e, "cse-in/ae1/cnt1/sub1", "Cwatcher")
	require.Equal(t, types.RSCDeleted, resp.RSC)

	bodies := subscriberSrv.received()
	require.Len(t, bodies, 1)
	sgn := innerJSON(bodies[0], "m2m:sgn")
	require.NotNil(t, sgn)
	assert.Equal(t, true, sgn["sud"])
}

func TestExpirationCounterDeletesSubscription(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{3}},
		"exc": 2,
	})

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "v1"})
	resp := retrieve(t, e, "cse-in/ae1/cnt1/sub1", "Cwatcher")
	require.Equal(t, types.RSCOK, resp.RSC, "one send left on the counter")

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "v2"})
	resp = retrieve(t, e, "cse-in/ae1/cnt1/sub1", "Cwatcher")
	assert.Equal(t, types.RSCNotFound, resp.RSC, "counter exhausted")

	assert.Len(t, srv.sgns(), 2)
	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "v3"})
	assert.Len(t, srv.sgns(), 2, "no delivery after the subscription died")
}

func TestBatchBySize(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{3}},
		"bn":  types.JSON{"num": 2},
	})

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "v1"})
	assert.Empty(t, srv.received(), "first notification waits in the batch")

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "v2"})
	bodies := srv.received()
	require.Len(t, bodies, 1)
	agn := innerJSON(bodies[0], "m2m:agn")
	require.NotNil(t, agn)
	list, ok := agn["m2m:sgn"].([]any)
	require.True(t, ok)
	assert.Len(t, list, 2)
}

func TestBatchDurationFlush(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{3}},
		"bn":  types.JSON{"dur": "150ms"},
	})

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "v1"})
	assert.Empty(t, srv.received())

	require.Eventually(t, func() bool {
		return len(srv.received()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	agn := innerJSON(srv.received()[0], "m2m:agn")
	require.NotNil(t, agn)
	list, ok := agn["m2m:sgn"].([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestFailedFlushKeepsBatchForRetry(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)
	srv.setStatus(http.StatusInternalServerError)

	sub := mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{3}},
		"bn":  types.JSON{"num": 2, "dur": "100ms"},
	})
	subRI := sub["ri"].(string)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "v1"})
	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "v2"})

	count, err := e.store.CountBatchNotifications(context.Background(), subRI, srv.srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "a failed send leaves the batch pending")

	// Once the target recovers, the re-armed guard drains the batch.
	srv.setStatus(http.StatusOK)
	require.Eventually(t, func() bool {
		n, err := e.store.CountBatchNotifications(context.Background(), subRI, srv.srv.URL)
		return err == nil && n == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestLatestNotifyKeepsNewest(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{3}},
		"bn":  types.JSON{"dur": "200ms"},
		"ln":  true,
	})

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "old"})
	mustCreate(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeCIN, types.JSON{"con": "new"})

	require.Eventually(t, func() bool {
		return len(srv.received()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	agn := innerJSON(srv.received()[0], "m2m:agn")
	require.NotNil(t, agn)
	list, ok := agn["m2m:sgn"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1, "only the newest notification survives")

	srv.mu.Lock()
	ec := srv.headers[0].Get("X-M2M-EC")
	srv.mu.Unlock()
	assert.Equal(t, "4", ec, "latest-only sends carry the event category")

	sgn, ok := list[0].(map[string]any)
	require.True(t, ok)
	rep := sgn["nev"].(map[string]any)["rep"].(map[string]any)
	cin := rep["m2m:cin"].(map[string]any)
	assert.Equal(t, "new", cin["con"])
}

func TestBlockingRetrieveFailureRemapsCode(t *testing.T) {
	e := newTestEnv(t, Config{RequestTimeout: 500 * time.Millisecond})
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{"http://127.0.0.1:1/notify"},
		"enc": types.JSON{"net": []int{int(types.NetBlockingRetrieve)}},
	})

	resp := retrieve(t, e, "cse-in/ae1/cnt1", "Cae1")
	assert.Equal(t, types.RSCRemoteEntityNotReachable, resp.RSC)
}

func TestBlockingRetrieveMaxAgeSkipsRoundTrip(t *testing.T) {
	e := newTestEnv(t, Config{RequestTimeout: 500 * time.Millisecond})
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{"http://127.0.0.1:1/notify"},
		"enc": types.JSON{"net": []int{int(types.NetBlockingRetrieve)}},
	})

	// The container was touched moments ago, so a generous maxAge keeps
	// the unreachable subscriber out of the path.
	resp := doRequest(t, e, &types.Request{
		Operation:  types.OperationRetrieve,
		Target:     "cse-in/ae1/cnt1",
		Originator: "Cae1",
		MaxAge:     "PT1H",
	})
	assert.Equal(t, types.RSCOK, resp.RSC)
}

func TestBlockingUpdateDeliversDelta(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupContainer(t, e)

	mustCreate(t, e, "cse-in/ae1/cnt1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{int(types.NetBlockingUpdate)}},
	})

	resp := update(t, e, "cse-in/ae1/cnt1", "Cae1", types.ResourceTypeContainer, types.JSON{
		"lbl": []string{"held"},
	})
	require.Equal(t, types.RSCUpdated, resp.RSC)

	sgns := srv.sgns()
	require.Len(t, sgns, 1)
	nev := sgns[0]["nev"].(map[string]any)
	assert.EqualValues(t, types.NetBlockingUpdate, nev["net"])
	rep := nev["rep"].(map[string]any)
	assert.Contains(t, rep, "m2m:cnt")
}

func TestNotificationToUnreachableAEFails(t *testing.T) {
	e := newTestEnv(t, Config{})
	setupContainer(t, e)

	// ae1 registered with rr=false and no poa.
	ae := retrieve(t, e, "cse-in/ae1", "Cae1")
	require.Equal(t, types.RSCOK, ae.RSC)

	resp := doRequest(t, e, &types.Request{
		Operation:  types.OperationNotify,
		Target:     "cse-in/ae1",
		Originator: "CAdmin",
		Content:    types.JSON{"m2m:sgn": types.JSON{"sur": "x"}},
	})
	assert.Equal(t, types.RSCTargetNotReachable, resp.RSC)
}

func TestNotificationRefusedByTargetSerializations(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)

	mustCreate(t, e, "cse-in", "Cae2", types.ResourceTypeAE, types.JSON{
		"rn": "ae2", "api": "Nexample", "rr": true,
		"poa": []string{srv.srv.URL},
		"csz": []string{"application/cbor"},
	})

	resp := doRequest(t, e, &types.Request{
		Operation:  types.OperationNotify,
		Target:     "cse-in/ae2",
		Originator: "CAdmin",
		Content:    types.JSON{"m2m:sgn": types.JSON{"sur": "x"}},
	})
	assert.Equal(t, types.RSCNotAcceptable, resp.RSC)
	assert.Empty(t, srv.sgns(), "nothing reaches a target that cannot decode it")
}
