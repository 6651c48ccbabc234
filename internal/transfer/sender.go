package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/util"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrEmptyFile    = errors.New("file is empty")
	ErrNoRecipient  = errors.New("no recipient alias")
)

// Relay delivers one container and returns once the relay accepted it.
type Relay interface {
	SendData(ctx context.Context, recipient string, c *protocol.Container) error
}

// Router is implemented by a Relay with more than one path to a peer. A
// transfer asks for its route once and sends every container through it,
// so its fragments never switch paths halfway.
type Router interface {
	Route(recipient string) Relay
}

// Progress is reported after every dispatched container.
type Progress struct {
	TransferID uuid.UUID
	Filename   string
	Sent       int64
	Total      int64
}

// Result summarizes a finished (or aborted) send.
type Result struct {
	TransferID uuid.UUID
	Filename   string
	Bytes      int64
	Sent       int64
	Fragments  int
	Containers int
	Elapsed    time.Duration
}

// Option configures a Sender.
type Option func(*Sender)

// WithFragmentSize sets the fragment payload size.
func WithFragmentSize(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.fragmentSize = n
		}
	}
}

// WithBatchSize sets how many fragments go into one container.
func WithBatchSize(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithProgress sets the progress callback.
func WithProgress(fn func(Progress)) Option {
	return func(s *Sender) { s.onProgress = fn }
}

// Sender runs the file send pipeline. Each container dispatch is awaited
// before the next one is produced, which is the pipeline's only flow control.
type Sender struct {
	relay        Relay
	fragmentSize int
	batchSize    int
	onProgress   func(Progress)
	newID        func() uuid.UUID
}

// NewSender creates a sender dispatching through r.
func NewSender(r Relay, opts ...Option) *Sender {
	s := &Sender{
		relay:        r,
		fragmentSize: DefaultFragmentSize,
		batchSize:    DefaultBatchSize,
		newID:        uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send reads path and delivers it to recipient. A mid-transfer error aborts
// the send; containers already delivered are not retracted.
func (s *Sender) Send(ctx context.Context, path, recipient string) (Result, error) {
	if recipient == "" {
		return Result{}, ErrNoRecipient
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}

	return s.SendBytes(ctx, filepath.Base(path), data, recipient)
}

// SendBytes delivers data under filename to recipient.
func (s *Sender) SendBytes(ctx context.Context, filename string, data []byte, recipient string) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyFile, filename)
	}

	start := time.Now()
	res := Result{
		TransferID: s.newID(),
		Filename:   filename,
		Bytes:      int64(len(data)),
	}

	batches := Split(res.TransferID, filename, data, s.fragmentSize)
	containers := Group(batches, s.batchSize)
	res.Fragments = len(batches)

	util.LogInfo("sending %q (%s...) to %s: %d bytes in %d fragments",
		filename, protocol.ShortID(res.TransferID), recipient, res.Bytes, res.Fragments)

	route := s.relay
	if r, ok := s.relay.(Router); ok {
		route = r.Route(recipient)
	}

	for i, c := range containers {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}

		if err := route.SendData(ctx, recipient, c); err != nil {
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("send container %d/%d of %q: %w", i+1, len(containers), filename, err)
		}

		res.Containers++
		for j := range c.Batches {
			res.Sent += int64(len(c.Batches[j].Payload))
		}

		if s.onProgress != nil {
			s.onProgress(Progress{
				TransferID: res.TransferID,
				Filename:   filename,
				Sent:       res.Sent,
				Total:      res.Bytes,
			})
		}
	}

	res.Elapsed = time.Since(start)
	util.Stats.FilesSent.Add(1)
	util.LogSuccess("sent %q to %s: %d fragments in %s", filename, recipient, res.Fragments, res.Elapsed.Round(time.Millisecond))

	return res, nil
}
