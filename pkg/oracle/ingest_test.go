package oracle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/ledger"
	"github.com/veritrail/core/pkg/oracle"
)

func newIngest(t *testing.T, opts oracle.Options) *oracle.Ingest {
	t.Helper()
	return oracle.NewIngest(anchor.NewChainAnchorer(1), ledger.NewMirror(100), opts)
}

func sensorSample(device string, value float64, observedAt int64) oracle.Sample {
	return oracle.Sample{
		Kind:       oracle.KindSensor,
		DeviceID:   device,
		SensorType: oracle.SensorTemperature,
		Value:      value,
		Unit:       "celsius",
		ObservedAt: observedAt,
	}
}

func TestSubmitVerify_AdmitsToWindow(t *testing.T) {
	in := newIngest(t, oracle.DefaultOptions())
	ctx := context.Background()

	id, err := in.Submit(ctx, sensorSample("dev-1", 4.5, time.Now().Unix()))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Unverified samples never reach a window.
	assert.Empty(t, in.Window("dev-1"))

	ok, ref, err := in.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, ref)

	window := in.Window("dev-1")
	require.Len(t, window, 1)
	assert.True(t, window[0].Verified)
	assert.Equal(t, 4.5, window[0].Value)
}

// TestVerify_ConcurrentAdmitsOnce races many Verify calls on one sample id;
// the sample must land in the window exactly once or its violation count
// would be inflated at evaluation.
func TestVerify_ConcurrentAdmitsOnce(t *testing.T) {
	in := newIngest(t, oracle.DefaultOptions())
	ctx := context.Background()

	id, err := in.Submit(ctx, sensorSample("dev-1", 4.5, time.Now().Unix()))
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	results := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = in.Verify(ctx, id)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i], "every racer reports the settled outcome")
	}
	assert.Len(t, in.Window("dev-1"), 1, "sample admitted exactly once")
}

func TestSubmit_RejectsFutureSample(t *testing.T) {
	in := newIngest(t, oracle.DefaultOptions())

	future := time.Now().Add(10 * time.Minute).Unix()
	_, err := in.Submit(context.Background(), sensorSample("dev-1", 4.5, future))
	require.ErrorIs(t, err, oracle.ErrSampleRejected)

	// Within skew tolerance is fine.
	nearFuture := time.Now().Add(2 * time.Minute).Unix()
	_, err = in.Submit(context.Background(), sensorSample("dev-1", 4.5, nearFuture))
	assert.NoError(t, err)
}

func TestSubmit_RejectsOutOfPhysicalRange(t *testing.T) {
	in := newIngest(t, oracle.DefaultOptions())
	ctx := context.Background()
	now := time.Now().Unix()

	cases := []oracle.Sample{
		sensorSample("dev-1", 151, now), // temperature above 150
		sensorSample("dev-2", -81, now), // temperature below -80
		{Kind: oracle.KindSensor, DeviceID: "dev-3", SensorType: oracle.SensorHumidity, Value: 101, ObservedAt: now},
		{Kind: oracle.KindLocation, ShipmentID: "shp-1", Latitude: 91, Longitude: 0, ObservedAt: now},
		{Kind: oracle.KindLocation, ShipmentID: "shp-2", Latitude: 0, Longitude: -181, ObservedAt: now},
	}
	for _, s := range cases {
		_, err := in.Submit(ctx, s)
		assert.ErrorIs(t, err, oracle.ErrSampleRejected, "sample %+v must be rejected", s)
	}
}

func TestSubmit_RejectsDuplicateSourceTimestamp(t *testing.T) {
	in := newIngest(t, oracle.DefaultOptions())
	ctx := context.Background()
	at := time.Now().Unix()

	_, err := in.Submit(ctx, sensorSample("dev-1", 4.0, at))
	require.NoError(t, err)

	_, err = in.Submit(ctx, sensorSample("dev-1", 5.0, at))
	require.ErrorIs(t, err, oracle.ErrSampleRejected)

	// Same timestamp from another device is a different observation.
	_, err = in.Submit(ctx, sensorSample("dev-2", 5.0, at))
	assert.NoError(t, err)
}

func TestSubmit_RateLimitsPerSource(t *testing.T) {
	opts := oracle.DefaultOptions()
	opts.SubmitRate = 1
	opts.SubmitBurst = 2
	in := newIngest(t, opts)
	ctx := context.Background()
	base := time.Now().Unix() - 100

	_, err := in.Submit(ctx, sensorSample("dev-1", 1, base))
	require.NoError(t, err)
	_, err = in.Submit(ctx, sensorSample("dev-1", 2, base+1))
	require.NoError(t, err)

	_, err = in.Submit(ctx, sensorSample("dev-1", 3, base+2))
	assert.ErrorIs(t, err, oracle.ErrSampleRejected, "burst exhausted")

	// Other sources have their own limiter.
	_, err = in.Submit(ctx, sensorSample("dev-2", 3, base+2))
	assert.NoError(t, err)
}

// TestVerify_FailClosed verifies a sample whose anchoring fails is
// terminally unverified: it never reaches a window, and re-verifying does
// not resurrect it.
func TestVerify_FailClosed(t *testing.T) {
	flaky := anchor.NewFlakyAnchorer(anchor.NewChainAnchorer(1), 1)
	in := oracle.NewIngest(flaky, ledger.NewMirror(100), oracle.DefaultOptions())
	ctx := context.Background()

	id, err := in.Submit(ctx, sensorSample("dev-1", 4.5, time.Now().Unix()))
	require.NoError(t, err)

	ok, ref, err := in.Verify(ctx, id)
	require.NoError(t, err, "anchor failure is not a caller error")
	assert.False(t, ok)
	assert.Empty(t, ref)
	assert.Empty(t, in.Window("dev-1"))

	// The anchorer recovered, but the sample stays failed.
	ok, _, err = in.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, in.Window("dev-1"))
}

func TestVerify_TimeoutFailsClosed(t *testing.T) {
	opts := oracle.DefaultOptions()
	opts.VerifyTimeout = 10 * time.Millisecond
	slow := anchor.NewFlakyAnchorer(anchor.NewChainAnchorer(1), 0).WithDelay(200 * time.Millisecond)
	in := oracle.NewIngest(slow, ledger.NewMirror(100), opts)
	ctx := context.Background()

	id, err := in.Submit(ctx, sensorSample("dev-1", 4.5, time.Now().Unix()))
	require.NoError(t, err)

	ok, _, err := in.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, in.Window("dev-1"))
}

func TestVerify_UnknownSample(t *testing.T) {
	in := newIngest(t, oracle.DefaultOptions())
	_, _, err := in.Verify(context.Background(), "smp-missing")
	assert.Error(t, err)
}

func TestWindow_OrderedAndTrimmed(t *testing.T) {
	opts := oracle.DefaultOptions()
	opts.WindowSize = 3
	in := newIngest(t, opts)
	ctx := context.Background()
	base := time.Now().Unix() - 1000

	// Submit out of observation order.
	for _, offset := range []int64{5, 1, 9, 3, 7} {
		id, err := in.Submit(ctx, sensorSample("dev-1", float64(offset), base+offset))
		require.NoError(t, err)
		_, _, err = in.Verify(ctx, id)
		require.NoError(t, err)
	}

	window := in.Window("dev-1")
	require.Len(t, window, 3, "window trims to most recent N")
	assert.Equal(t, base+5, window[0].ObservedAt)
	assert.Equal(t, base+7, window[1].ObservedAt)
	assert.Equal(t, base+9, window[2].ObservedAt)
}

func TestBind_WindowForUnit(t *testing.T) {
	in := newIngest(t, oracle.DefaultOptions())
	ctx := context.Background()
	now := time.Now().Unix()

	for i, dev := range []string{"dev-1", "dev-2", "dev-3"} {
		id, err := in.Submit(ctx, sensorSample(dev, float64(i), now-int64(i)))
		require.NoError(t, err)
		_, _, err = in.Verify(ctx, id)
		require.NoError(t, err)
	}

	in.Bind("unit-1", "dev-1", "dev-2")
	window := in.WindowForUnit("unit-1")
	assert.Len(t, window, 2)
	assert.Empty(t, in.WindowForUnit("unit-unbound"))
}
