package metrics

// Running accumulates the per-epoch loss and accuracy counters. It is a value
// type: Add returns the updated counters and a zero value starts an epoch.
type Running struct {
	LossSum float64
	Batches int
	Correct int
	Samples int
}

// Add folds one batch into the counters.
func (r Running) Add(loss float64, correct, samples int) Running {
	r.LossSum += loss
	r.Batches++
	r.Correct += correct
	r.Samples += samples
	return r
}

// MeanLoss is the average per-batch loss.
func (r Running) MeanLoss() float64 {
	if r.Batches == 0 {
		return 0
	}
	return r.LossSum / float64(r.Batches)
}

// Accuracy is the fraction of samples classified correctly.
func (r Running) Accuracy() float64 {
	if r.Samples == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Samples)
}

// Argmax returns the index of the largest value in each row of a row-major
// [rows, cols] matrix. Ties resolve to the lowest index.
func Argmax(logits []float32, cols int) []int {
	if cols <= 0 {
		return nil
	}
	rows := len(logits) / cols
	out := make([]int, rows)
	for i := range rows {
		row := logits[i*cols : (i+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// CountCorrect counts positions where pred matches labels.
func CountCorrect(pred, labels []int) int {
	n := 0
	for i := range min(len(pred), len(labels)) {
		if pred[i] == labels[i] {
			n++
		}
	}
	return n
}
