package index

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Calibration channel keys.
const (
	ChannelFTS    = "fts"
	ChannelVector = "vector"
)

// DefaultSampleSize bounds the number of nodes sampled per calibration.
const DefaultSampleSize = 200

// quantilePoints are the percentile positions of the stored breakpoints:
// p0, p10, p25, p50, p75, p90, p100.
var quantilePoints = []float64{0, 0.10, 0.25, 0.50, 0.75, 0.90, 1.0}

// Quantile maps a raw score onto [0, 1] by binary search over the stored
// breakpoints with linear interpolation between neighbors. A channel with
// no breakpoints yields 0. The mapping is nondecreasing, with
// Quantile(min) = 0 and Quantile(max) = 1.
func Quantile(raw float64, breaks []float64) float64 {
	n := len(breaks)
	if n == 0 || raw <= breaks[0] {
		return 0
	}
	if raw >= breaks[n-1] {
		return 1
	}
	points := quantilePoints
	if n != len(quantilePoints) {
		points = make([]float64, n)
		for i := range points {
			points[i] = float64(i) / float64(n-1)
		}
	}
	i := sort.SearchFloat64s(breaks, raw) // first index with breaks[i] >= raw
	if breaks[i] == raw {
		return points[i]
	}
	lo, hi := breaks[i-1], breaks[i]
	frac := 0.0
	if hi > lo {
		frac = (raw - lo) / (hi - lo)
	}
	return points[i-1] + frac*(points[i]-points[i-1])
}

// VectorSampler returns raw vector-channel scores for a sample text.
// Calibration tolerates a nil sampler (vector channel skipped) and
// per-sample errors (that sample contributes nothing).
type VectorSampler func(ctx context.Context, text string, k int) ([]float64, error)

// CalibrationResult summarizes one calibration pass.
type CalibrationResult struct {
	SampledNodes  int
	FTSScores     int
	VectorScores  int
	FTSCalibrated bool
	VecCalibrated bool
}

// Calibrate samples up to sampleSize random nodes (one canonical bullet
// each), runs both search channels against the full store, and persists
// percentile breakpoints per channel.
func Calibrate(ctx context.Context, db *DB, vec VectorSampler, sampleSize int) (CalibrationResult, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	rows, err := db.conn.Query(
		`SELECT text FROM bullets WHERE pos = 0 ORDER BY RANDOM() LIMIT ?`, sampleSize)
	if err != nil {
		return CalibrationResult{}, fmt.Errorf("index: sample nodes: %w", err)
	}
	var samples []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return CalibrationResult{}, err
		}
		samples = append(samples, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return CalibrationResult{}, err
	}

	res := CalibrationResult{SampledNodes: len(samples)}
	var ftsScores, vecScores []float64

	for _, text := range samples {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		query := text
		if len(query) > 100 {
			query = query[:100]
		}
		if hits, err := db.Search(query, 20); err == nil {
			for _, h := range hits {
				if !math.IsNaN(h.Score) {
					ftsScores = append(ftsScores, h.Score)
				}
			}
		}
		if vec != nil {
			if scores, err := vec(ctx, query, 20); err == nil {
				vecScores = append(vecScores, scores...)
			}
		}
	}
	res.FTSScores = len(ftsScores)
	res.VectorScores = len(vecScores)

	if breaks := percentileBreaks(ftsScores); breaks != nil {
		if err := db.SaveBreaks(ChannelFTS, breaks); err != nil {
			return res, err
		}
		res.FTSCalibrated = true
	}
	if breaks := percentileBreaks(vecScores); breaks != nil {
		if err := db.SaveBreaks(ChannelVector, breaks); err != nil {
			return res, err
		}
		res.VecCalibrated = true
	}
	return res, nil
}

// percentileBreaks computes the breakpoint vector for one score channel,
// or nil when too few scores were collected.
func percentileBreaks(scores []float64) []float64 {
	if len(scores) < len(quantilePoints) {
		return nil
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	out := make([]float64, len(quantilePoints))
	for i, p := range quantilePoints {
		out[i] = percentile(sorted, p)
	}
	return out
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
