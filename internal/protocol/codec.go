package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// containerOverhead bounds the bytes a container adds around its batches:
// map header, the "batches" key and an array header.
const containerOverhead = 16

// Container is an ordered group of batches sent in one relay call. A
// container may interleave batches of different transfers and kinds.
type Container struct {
	Batches []Batch `msgpack:"batches"`
}

// Add appends a batch to the container.
func (c *Container) Add(b Batch) {
	c.Batches = append(c.Batches, b)
}

// Len returns the number of batches.
func (c *Container) Len() int {
	return len(c.Batches)
}

// Count returns how many batches of the given kind the container holds.
func (c *Container) Count(kind Kind) int {
	n := 0
	for i := range c.Batches {
		if c.Batches[i].Kind == kind {
			n++
		}
	}
	return n
}

// Marshal serializes a container with MessagePack.
func Marshal(c *Container) ([]byte, error) {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode container: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a MessagePack container.
func Unmarshal(data []byte) (*Container, error) {
	c := &Container{}
	if err := msgpack.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: decode container: %v", ErrInvalidBatch, err)
	}
	return c, nil
}

// SplitContainer regroups the batches of c into containers whose encoded
// size stays within limit bytes. Batch order is preserved and batches are
// never split; a single batch that cannot fit returns an error.
func SplitContainer(c *Container, limit int) ([]*Container, error) {
	var (
		out  []*Container
		cur  = &Container{}
		size = containerOverhead
	)

	for i := range c.Batches {
		enc, err := msgpack.Marshal(&c.Batches[i])
		if err != nil {
			return nil, fmt.Errorf("encode batch: %w", err)
		}
		n := len(enc)
		if n+containerOverhead > limit {
			return nil, fmt.Errorf("batch of %d bytes exceeds message limit %d", n, limit)
		}

		if size+n > limit && cur.Len() > 0 {
			out = append(out, cur)
			cur = &Container{}
			size = containerOverhead
		}
		cur.Add(c.Batches[i])
		size += n
	}

	if cur.Len() > 0 {
		out = append(out, cur)
	}
	return out, nil
}
