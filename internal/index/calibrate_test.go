package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantileEndpoints(t *testing.T) {
	breaks := []float64{0, 1, 2, 3, 4, 5, 6}
	assert.Equal(t, 0.0, Quantile(0, breaks))
	assert.Equal(t, 1.0, Quantile(6, breaks))
	assert.Equal(t, 0.0, Quantile(-5, breaks), "below min clamps to 0")
	assert.Equal(t, 1.0, Quantile(99, breaks), "above max clamps to 1")
}

func TestQuantileMedian(t *testing.T) {
	// Breakpoints are p0,p10,p25,p50,p75,p90,p100: a raw score equal to
	// the fourth breakpoint sits exactly at the median.
	breaks := []float64{0, 1, 2, 3, 4, 5, 6}
	assert.InDelta(t, 0.5, Quantile(3, breaks), 1e-12)
}

func TestQuantileMonotone(t *testing.T) {
	breaks := []float64{-2, 0, 0.5, 1, 3, 8, 20}
	prev := -1.0
	for raw := -3.0; raw <= 21; raw += 0.25 {
		q := Quantile(raw, breaks)
		require.GreaterOrEqual(t, q, prev, "quantile must be nondecreasing at raw=%v", raw)
		require.GreaterOrEqual(t, q, 0.0)
		require.LessOrEqual(t, q, 1.0)
		prev = q
	}
}

func TestQuantileInterpolatesBetweenBreaks(t *testing.T) {
	breaks := []float64{0, 1, 2, 3, 4, 5, 6}
	// Halfway between p0 and p10 breakpoints.
	assert.InDelta(t, 0.05, Quantile(0.5, breaks), 1e-12)
	// Halfway between p50 and p75 breakpoints.
	assert.InDelta(t, 0.625, Quantile(3.5, breaks), 1e-12)
}

func TestQuantileNoBreaks(t *testing.T) {
	assert.Equal(t, 0.0, Quantile(42, nil), "uncalibrated channel is disabled")
}

func TestQuantileDuplicateBreaks(t *testing.T) {
	breaks := []float64{0, 1, 1, 1, 2, 3, 4}
	q := Quantile(1, breaks)
	assert.GreaterOrEqual(t, q, 0.0)
	assert.LessOrEqual(t, q, 1.0)
}

func TestPercentileBreaksShape(t *testing.T) {
	scores := make([]float64, 100)
	for i := range scores {
		scores[i] = float64(i)
	}
	breaks := percentileBreaks(scores)
	require.Len(t, breaks, len(quantilePoints))
	assert.Equal(t, 0.0, breaks[0])
	assert.Equal(t, 99.0, breaks[len(breaks)-1])
	for i := 1; i < len(breaks); i++ {
		assert.GreaterOrEqual(t, breaks[i], breaks[i-1])
	}
}

func TestPercentileBreaksTooFewScores(t *testing.T) {
	assert.Nil(t, percentileBreaks([]float64{1, 2, 3}))
}

func TestCalibrateWithVectorSampler(t *testing.T) {
	db := testDB(t)
	st := testStore(t)
	for i := 0; i < 5; i++ {
		_, err := st.Add("node-"+string(rune('a'+i)), "some text about indexing", "fact")
		if err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ReindexAll(db, st); err != nil {
		t.Fatal(err)
	}

	sampler := func(ctx context.Context, text string, k int) ([]float64, error) {
		return []float64{0.9, 0.8, 0.7, 0.5, 0.4, 0.3, 0.2, 0.1}, nil
	}
	res, err := Calibrate(context.Background(), db, sampler, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, res.SampledNodes)
	assert.True(t, res.VecCalibrated)

	breaks, err := db.Breaks(ChannelVector)
	require.NoError(t, err)
	require.Len(t, breaks, len(quantilePoints))
	assert.InDelta(t, 0.1, breaks[0], 1e-9)
	assert.InDelta(t, 0.9, breaks[len(breaks)-1], 1e-9)
}
