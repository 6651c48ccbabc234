// Package transfer sends files to a peer as ordered fragment batches.
package transfer

import (
	"github.com/google/uuid"

	"github.com/1ureka/relaytun/internal/protocol"
)

const (
	DefaultFragmentSize = 8 * 1024 // bytes per fragment
	DefaultBatchSize    = 50       // fragments per container
)

// FragmentCount returns ceil(size / fragmentSize).
func FragmentCount(size int64, fragmentSize int) int {
	if size <= 0 || fragmentSize <= 0 {
		return 0
	}
	return int((size + int64(fragmentSize) - 1) / int64(fragmentSize))
}

// Split cuts data into FileFragment batches of at most fragmentSize bytes.
// Fragment 0 carries the file name and size; the final fragment is marked
// last. Payloads alias data.
func Split(id uuid.UUID, filename string, data []byte, fragmentSize int) []protocol.Batch {
	total := int64(len(data))
	count := FragmentCount(total, fragmentSize)
	batches := make([]protocol.Batch, 0, count)

	for i := 0; i < count; i++ {
		offset := i * fragmentSize
		end := min(offset+fragmentSize, len(data))

		b := protocol.Batch{
			TransferID: id,
			Kind:       protocol.KindFileFragment,
			Sequence:   uint32(i),
			IsFirst:    i == 0,
			IsLast:     i == count-1,
			Payload:    data[offset:end],
		}
		if b.IsFirst {
			b.Filename = filename
			b.DeclaredSize = total
		}
		batches = append(batches, b)
	}

	return batches
}

// Group packs consecutive batches into containers of at most batchSize.
func Group(batches []protocol.Batch, batchSize int) []*protocol.Container {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make([]*protocol.Container, 0, (len(batches)+batchSize-1)/batchSize)
	for start := 0; start < len(batches); start += batchSize {
		end := min(start+batchSize, len(batches))
		out = append(out, &protocol.Container{Batches: batches[start:end]})
	}
	return out
}
