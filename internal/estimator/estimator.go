// Package estimator implements the file-type-bucketed savings predictor and
// its history-adaptive correction described in spec.md §4.9.
package estimator

import (
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressplay/automation/pkg/types"
)

// Bucket classifies a file extension by how much transparent compression is
// expected to shrink it.
type Bucket string

const (
	BucketIncompressible         Bucket = "incompressible"
	BucketModeratelyCompressible Bucket = "moderately_compressible"
	BucketLikelyUncompressed     Bucket = "likely_uncompressed"
	BucketLikelyCompressible     Bucket = "likely_compressible"
	BucketUnknown                Bucket = "unknown"
)

// baseRatio is the uncorrected expected-savings fraction for each bucket.
var baseRatio = map[Bucket]float64{
	BucketIncompressible:         0.005,
	BucketModeratelyCompressible: 0.15,
	BucketLikelyUncompressed:     0.03,
	BucketLikelyCompressible:     0.35,
	BucketUnknown:                0.08,
}

// incompressibleExt are containers already using strong internal
// compression (archives, media, already-packed game assets).
var incompressibleExt = map[string]struct{}{
	"zip": {}, "7z": {}, "rar": {}, "mp4": {}, "mkv": {}, "webm": {},
	"jpg": {}, "jpeg": {}, "png": {}, "mp3": {}, "ogg": {}, "flac": {},
	"pak": {}, "vpk": {},
}

var moderatelyCompressibleExt = map[string]struct{}{
	"dll": {}, "exe": {}, "bin": {}, "dat": {}, "pdb": {},
}

var likelyUncompressedExt = map[string]struct{}{
	"bmp": {}, "wav": {}, "tga": {}, "raw": {},
}

var likelyCompressibleExt = map[string]struct{}{
	"txt": {}, "json": {}, "xml": {}, "ini": {}, "cfg": {}, "log": {},
	"csv": {}, "yaml": {}, "yml": {}, "sql": {},
}

// ClassifyExtension buckets a file path by its extension.
func ClassifyExtension(path string) Bucket {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch {
	case has(incompressibleExt, ext):
		return BucketIncompressible
	case has(moderatelyCompressibleExt, ext):
		return BucketModeratelyCompressible
	case has(likelyUncompressedExt, ext):
		return BucketLikelyUncompressed
	case has(likelyCompressibleExt, ext):
		return BucketLikelyCompressible
	default:
		return BucketUnknown
	}
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// EstimateFileSavings predicts saved bytes for one file, per spec.md §4.9:
// bucket ratio times algorithm-strength factor times file size. Files below
// MinCompressibleSize contribute nothing (the engine skips them outright).
func EstimateFileSavings(size int64, path string, algo types.Algorithm) int64 {
	if size < types.MinCompressibleSize {
		return 0
	}
	bucket := ClassifyExtension(path)
	ratio := baseRatio[bucket] * algo.StrengthFactor()
	return int64(float64(size) * ratio)
}

// EstimateFolderSavings walks path and sums EstimateFileSavings over every
// regular file under it, the raw (uncorrected) half of
// estimate_compression_savings.
func EstimateFolderSavings(path string, algo types.Algorithm) (types.EstimateBreakdown, error) {
	var breakdown types.EstimateBreakdown

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		breakdown.ScannedFiles++
		breakdown.SampledBytes += info.Size()
		breakdown.EstimatedSavedBytes += EstimateFileSavings(info.Size(), p, algo)
		return nil
	})
	if err != nil {
		return breakdown, fmt.Errorf("estimator: walk %s: %w", path, err)
	}
	return breakdown, nil
}

// Correction is the adaptive multiplier FromHistory derives from
// history, along with how confident it is in that multiplier.
type Correction struct {
	Multiplier float64
	Confidence float64
	Source     string // "same_game", "algorithm_fallback", or "none"
}

const (
	halfDecay              = 90 * 24 * time.Hour
	sameGameMinMultiplier  = 0.2
	sameGameMaxMultiplier  = 1.0
	fallbackMinMultiplier  = 0.2
	fallbackMaxMultiplier  = 2.0
	fallbackMinSamples     = 10
	fallbackConfidenceFull = 50
)

// FromHistory computes the two-tier adaptive correction described in
// spec.md §4.9. nowMs is the caller's current time in epoch milliseconds,
// injected so callers can get deterministic results in tests.
func FromHistory(entries []types.CompressionHistoryEntry, gamePath string, algo types.Algorithm, nowMs int64) Correction {
	if c, ok := sameGameCorrection(entries, gamePath, algo, nowMs); ok {
		return c
	}
	if c, ok := algorithmFallbackCorrection(entries, algo); ok {
		return c
	}
	return Correction{Multiplier: 1.0, Confidence: 0, Source: "none"}
}

func sameGameCorrection(entries []types.CompressionHistoryEntry, gamePath string, algo types.Algorithm, nowMs int64) (Correction, bool) {
	var weightedSum, weightTotal float64
	count := 0

	for _, e := range entries {
		if e.GamePath != gamePath || e.Algorithm != algo {
			continue
		}
		if e.Estimate.EstimatedSavedBytes <= 0 {
			continue
		}
		ratio := float64(e.Actual.ActualSavedBytes) / float64(e.Estimate.EstimatedSavedBytes)
		ageMs := float64(nowMs - e.TimestampMs)
		if ageMs < 0 {
			ageMs = 0
		}
		age := time.Duration(ageMs) * time.Millisecond
		weight := math.Exp(-math.Ln2 * float64(age) / float64(halfDecay))
		weightedSum += ratio * weight
		weightTotal += weight
		count++
	}

	if count == 0 || weightTotal == 0 {
		return Correction{}, false
	}

	mean := weightedSum / weightTotal
	mean = clamp(mean, sameGameMinMultiplier, sameGameMaxMultiplier)

	confidence := 0.85 + 0.10*math.Min(float64(count)/5.0, 1.0)
	confidence = clamp(confidence, 0.85, 0.95)

	return Correction{Multiplier: mean, Confidence: confidence, Source: "same_game"}, true
}

func algorithmFallbackCorrection(entries []types.CompressionHistoryEntry, algo types.Algorithm) (Correction, bool) {
	var ratios []float64
	for _, e := range entries {
		if e.Algorithm != algo || e.Estimate.EstimatedSavedBytes <= 0 {
			continue
		}
		ratios = append(ratios, float64(e.Actual.ActualSavedBytes)/float64(e.Estimate.EstimatedSavedBytes))
	}
	if len(ratios) < fallbackMinSamples {
		return Correction{}, false
	}

	mean, stderr := meanAndStderr(ratios)
	lowerBound := clamp(mean-1.96*stderr, fallbackMinMultiplier, fallbackMaxMultiplier)

	n := float64(len(ratios))
	confidence := 0.2 + 0.6*clamp((n-fallbackMinSamples)/(fallbackConfidenceFull-fallbackMinSamples), 0, 1)

	return Correction{Multiplier: lowerBound, Confidence: confidence, Source: "algorithm_fallback"}, true
}

func meanAndStderr(values []float64) (mean, stderr float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	if n < 2 {
		return mean, 0
	}
	variance := sumSq / (n - 1)
	stderr = math.Sqrt(variance / n)
	return mean, stderr
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Apply combines a raw estimate with a Correction per spec.md §4.9:
// downward corrections (multiplier < 1.0) apply at full strength; upward
// corrections are blended by confidence, since safety prefers
// underpromising over overpromising.
func Apply(rawEstimate int64, c Correction) int64 {
	if c.Multiplier <= 1.0 {
		return int64(float64(rawEstimate) * c.Multiplier)
	}
	blended := 1.0 + (c.Multiplier-1.0)*c.Confidence
	return int64(float64(rawEstimate) * blended)
}

// EstimateCompressionSavings implements estimate_compression_savings
// end to end (spec.md §6): the raw bucketed walk, corrected by whatever
// FromHistory derives from prior outcomes for this path and algorithm. nowMs
// is the caller's current time in epoch milliseconds.
func EstimateCompressionSavings(path string, algo types.Algorithm, history []types.CompressionHistoryEntry, nowMs int64) (types.EstimateBreakdown, Correction, error) {
	breakdown, err := EstimateFolderSavings(path, algo)
	if err != nil {
		return breakdown, Correction{}, err
	}

	correction := FromHistory(history, path, algo, nowMs)
	breakdown.EstimatedSavedBytes = Apply(breakdown.EstimatedSavedBytes, correction)
	return breakdown, correction, nil
}
