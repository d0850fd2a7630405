// Package metrics accumulates segmentation quality over an evaluation
// pass. A streaming confusion matrix collects (prediction, ground
// truth) pairs batch by batch; per-class intersection-over-union and
// the aggregate scores derive from it on demand.
package metrics

import (
	"fmt"
	"strings"
)

// SegMetrics is a streaming confusion matrix over the training-id
// space. Rows index ground truth, columns predictions. Accumulation is
// associative and commutative: updating with batches in any grouping or
// order produces the same matrix. Not safe for concurrent use; give
// each worker its own accumulator and Merge.
type SegMetrics struct {
	numClasses int
	ignore     uint8
	mat        []int64
}

// Results holds the scores derived from one evaluation pass.
type Results struct {
	// OverallAcc is the fraction of counted pixels predicted correctly.
	OverallAcc float64
	// MeanAcc averages per-class accuracy over classes with ground
	// truth present.
	MeanAcc float64
	// MeanIoU averages IoU over classes present in ground truth or
	// predictions.
	MeanIoU float64
	// FreqWeightedIoU weights each class IoU by its ground-truth
	// frequency.
	FreqWeightedIoU float64
	// IoU holds one entry per training id. Classes absent from both
	// ground truth and predictions report 0 and are excluded from
	// MeanIoU.
	IoU []float64
}

// NewSegMetrics builds an accumulator for numClasses training ids.
// Pixels whose ground truth equals ignore are never counted.
func NewSegMetrics(numClasses int, ignore uint8) (*SegMetrics, error) {
	if numClasses < 1 {
		return nil, fmt.Errorf("metrics: numClasses must be at least 1, got %d", numClasses)
	}
	if int(ignore) < numClasses {
		return nil, fmt.Errorf("metrics: ignore id %d collides with the class range [0, %d)", ignore, numClasses)
	}
	return &SegMetrics{
		numClasses: numClasses,
		ignore:     ignore,
		mat:        make([]int64, numClasses*numClasses),
	}, nil
}

// NumClasses returns the size of the training-id space.
func (m *SegMetrics) NumClasses() int { return m.numClasses }

// Reset clears the accumulated matrix for a new evaluation pass.
func (m *SegMetrics) Reset() {
	for i := range m.mat {
		m.mat[i] = 0
	}
}

// Update accumulates one batch of per-pixel predictions against ground
// truth. The slices must have equal length. Ground-truth pixels with
// the ignore id or an id outside the class range are skipped; an
// out-of-range prediction is an error since the model contract only
// produces valid training ids.
func (m *SegMetrics) Update(pred, gt []uint8) error {
	if len(pred) != len(gt) {
		return fmt.Errorf("metrics: %d predictions vs %d ground-truth pixels", len(pred), len(gt))
	}
	n := m.numClasses
	for i, g := range gt {
		if g == m.ignore || int(g) >= n {
			continue
		}
		p := pred[i]
		if int(p) >= n {
			return fmt.Errorf("metrics: prediction id %d outside [0, %d)", p, n)
		}
		m.mat[int(g)*n+int(p)]++
	}
	return nil
}

// Merge adds another accumulator built with the same shape, typically
// one per evaluation worker.
func (m *SegMetrics) Merge(other *SegMetrics) error {
	if other.numClasses != m.numClasses || other.ignore != m.ignore {
		return fmt.Errorf("metrics: cannot merge %d-class/ignore-%d into %d-class/ignore-%d accumulator",
			other.numClasses, other.ignore, m.numClasses, m.ignore)
	}
	for i, v := range other.mat {
		m.mat[i] += v
	}
	return nil
}

// Compute derives the scores from the accumulated matrix.
func (m *SegMetrics) Compute() Results {
	n := m.numClasses
	res := Results{IoU: make([]float64, n)}

	var total, correct int64
	rowSums := make([]int64, n)
	colSums := make([]int64, n)
	for g := 0; g < n; g++ {
		for p := 0; p < n; p++ {
			v := m.mat[g*n+p]
			rowSums[g] += v
			colSums[p] += v
			total += v
		}
		correct += m.mat[g*n+g]
	}
	if total == 0 {
		return res
	}
	res.OverallAcc = float64(correct) / float64(total)

	var iouSum, accSum, fwSum float64
	var iouCount, accCount int
	for c := 0; c < n; c++ {
		diag := float64(m.mat[c*n+c])
		union := float64(rowSums[c] + colSums[c] - m.mat[c*n+c])
		if union > 0 {
			res.IoU[c] = diag / union
			iouSum += res.IoU[c]
			iouCount++
		}
		if rowSums[c] > 0 {
			accSum += diag / float64(rowSums[c])
			accCount++
			fwSum += float64(rowSums[c]) / float64(total) * res.IoU[c]
		}
	}
	if iouCount > 0 {
		res.MeanIoU = iouSum / float64(iouCount)
	}
	if accCount > 0 {
		res.MeanAcc = accSum / float64(accCount)
	}
	res.FreqWeightedIoU = fwSum
	return res
}

// FormatTable renders per-class IoU with the given class names, ending
// with the aggregate rows. The name function may be nil, in which case
// numeric ids are printed.
func (r Results) FormatTable(name func(id int) string) string {
	if name == nil {
		name = func(id int) string { return fmt.Sprintf("class%d", id) }
	}
	var b strings.Builder
	for c, iou := range r.IoU {
		fmt.Fprintf(&b, "%-16s %6.3f\n", name(c), iou)
	}
	fmt.Fprintf(&b, "%-16s %6.3f\n", "mean IoU", r.MeanIoU)
	fmt.Fprintf(&b, "%-16s %6.3f\n", "overall acc", r.OverallAcc)
	fmt.Fprintf(&b, "%-16s %6.3f", "mean acc", r.MeanAcc)
	return b.String()
}
