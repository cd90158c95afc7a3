package transfer

// Batch is a set of chunk indices one worker claims and transfers in order.
type Batch struct {
	Indices []int
	// TableExisted records whether the sink table was already present when
	// the run started. The orchestrator computes it once so late batches do
	// not flip behavior after the first worker creates the table.
	TableExisted bool
}

// Result is one worker's account of a finished batch.
type Result struct {
	Worker        int
	ChunksDone    int
	ChunksSkipped int
	Rows          int64
}

// partition slices pending chunk indices into batches of at most batchSize.
func partition(pending []int, batchSize int, tableExisted bool) []Batch {
	if batchSize < 1 {
		batchSize = 1
	}
	batches := make([]Batch, 0, (len(pending)+batchSize-1)/batchSize)
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batches = append(batches, Batch{
			Indices:      pending[start:end],
			TableExisted: tableExisted,
		})
	}
	return batches
}
