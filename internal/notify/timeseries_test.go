package notify

import (
	"testing"
	"time"

	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/cseweave/internal/types"
)

func setupTimeSeries(t *testing.T, e *testEnv, attrs types.JSON) types.JSON {
	t.Helper()
	mustCreate(t, e, "cse-in", "Cae1", types.ResourceTypeAE, types.JSON{
		"rn": "ae1", "api": "Nexample", "rr": false,
	})
	base := types.JSON{"rn": "ts1"}
	for k, v := range attrs {
		base[k] = v
	}
	return mustCreate(t, e, "cse-in/ae1", "Cae1", types.ResourceTypeTS, base)
}

func TestMissingDataPointsAreRecorded(t *testing.T) {
	e := newTestEnv(t, Config{})
	setupTimeSeries(t, e, types.JSON{
		"mdd": true, "pei": 40, "mdt": 20, "mdn": 10,
	})

	require.Eventually(t, func() bool {
		resp := retrieve(t, e, "cse-in/ae1/ts1", "Cae1")
		if resp.RSC != types.RSCOK {
			return false
		}
		ts := resp.Content["m2m:ts"].(types.JSON)
		return cast.ToInt64(ts["mdc"]) >= 2
	}, 3*time.Second, 20*time.Millisecond, "monitor books misses while no instance arrives")
}

func TestInstanceArrivalFeedsDeadline(t *testing.T) {
	e := newTestEnv(t, Config{})
	setupTimeSeries(t, e, types.JSON{
		"mdd": true, "pei": 150, "mdt": 150, "mdn": 10,
	})

	// Feed every window for a while; no miss may be booked.
	deadline := time.Now().Add(900 * time.Millisecond)
	i := 0
	for time.Now().Before(deadline) {
		i++
		mustCreate(t, e, "cse-in/ae1/ts1", "Cae1", types.ResourceTypeTSI, types.JSON{
			"dgt": types.Now(),
			"con": i,
		})
		time.Sleep(100 * time.Millisecond)
	}

	resp := retrieve(t, e, "cse-in/ae1/ts1", "Cae1")
	require.Equal(t, types.RSCOK, resp.RSC)
	ts := resp.Content["m2m:ts"].(types.JSON)
	assert.EqualValues(t, 0, ts["mdc"])
}

func TestMissingDataReportNotifiesAndClears(t *testing.T) {
	e := newTestEnv(t, Config{})
	srv := newTargetServer(t)
	setupTimeSeries(t, e, types.JSON{
		"mdd": true, "pei": 40, "mdt": 20, "mdn": 2,
	})

	mustCreate(t, e, "cse-in/ae1/ts1", "Cwatcher", types.ResourceTypeSUB, types.JSON{
		"rn":  "sub1",
		"nu":  []string{srv.srv.URL},
		"enc": types.JSON{"net": []int{int(types.NetReportOnMissingDataPoints)}},
		"nct": int(types.NctTimeSeriesNotification),
	})

	require.Eventually(t, func() bool {
		return len(srv.sgns()) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	nev := srv.sgns()[0]["nev"].(map[string]any)
	rep := nev["rep"].(map[string]any)
	tsn, ok := rep["m2m:tsn"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, tsn["mdc"])
	assert.Len(t, tsn["mdlt"], 2)

	// Stop the monitor, then check the reported list was cleared for the
	// next round.
	resp := update(t, e, "cse-in/ae1/ts1", "Cae1", types.ResourceTypeTS, types.JSON{"mdd": false})
	require.Equal(t, types.RSCUpdated, resp.RSC)
	resp = retrieve(t, e, "cse-in/ae1/ts1", "Cae1")
	require.Equal(t, types.RSCOK, resp.RSC)
	ts := resp.Content["m2m:ts"].(types.JSON)
	assert.Less(t, cast.ToInt(ts["mdc"]), 2)
}

func TestDisablingDetectionStopsMonitor(t *testing.T) {
	e := newTestEnv(t, Config{})
	setupTimeSeries(t, e, types.JSON{
		"mdd": true, "pei": 50, "mdt": 30, "mdn": 10,
	})

	ws, err := e.pool.FindWorkers("tsMonitor_*")
	require.NoError(t, err)
	require.Len(t, ws, 1)

	resp := update(t, e, "cse-in/ae1/ts1", "Cae1", types.ResourceTypeTS, types.JSON{
		"mdd": false,
	})
	require.Equal(t, types.RSCUpdated, resp.RSC)

	ws, err = e.pool.FindWorkers("tsMonitor_*")
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func TestDeletingTimeSeriesStopsMonitor(t *testing.T) {
	e := newTestEnv(t, Config{})
	setupTimeSeries(t, e, types.JSON{
		"mdd": true, "pei": 50, "mdt": 30,
	})

	resp := del(t, e, "cse-in/ae1/ts1", "Cae1")
	require.Equal(t, types.RSCDeleted, resp.RSC)

	ws, err := e.pool.FindWorkers("tsMonitor_*")
	require.NoError(t, err)
	assert.Empty(t, ws)
}
