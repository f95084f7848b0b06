package dataset

// Batch is a group of images in NCHW float32 layout with one label each.
type Batch struct {
	Images   []float32
	Labels   []int
	Channels int
	Height   int
	Width    int
	// Padded is the number of trailing samples that repeat samples of
	// another shard so every rank gets the same count.
	Padded   int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.Labels) }

// Shape returns the NCHW dimensions of Images.
func (b Batch) Shape() []int {
	return []int{len(b.Labels), b.Channels, b.Height, b.Width}
}

// Real returns the labels of the samples that are not padding.
func (b Batch) Real() []int { return b.Labels[:len(b.Labels)-b.Padded] }
