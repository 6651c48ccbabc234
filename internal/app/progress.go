package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/reassembly"
	"github.com/1ureka/relaytun/internal/transfer"
	"github.com/1ureka/relaytun/internal/util"
)

// progressStep is the percentage between two receive progress lines.
const progressStep = 10

// formatProgress renders one progress line. total <= 0 means the size is
// unknown.
func formatProgress(verb, filename string, id uuid.UUID, done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("%s %s (%s...): %d bytes", verb, filename, protocol.ShortID(id), done)
	}
	pct := float64(done) / float64(total) * 100
	return fmt.Sprintf("%s %s (%s...): %.2f%% (%d/%d bytes)", verb, filename, protocol.ShortID(id), pct, done, total)
}

// receiveProgress logs inbound transfers every progressStep percent, or after
// every fragment when the sender declared no size.
type receiveProgress struct {
	mu   sync.Mutex
	last map[uuid.UUID]int64
}

func newReceiveProgress() *receiveProgress {
	return &receiveProgress{last: make(map[uuid.UUID]int64)}
}

func (r *receiveProgress) report(p reassembly.Progress) {
	if p.DeclaredSize <= 0 {
		util.LogInfo("%s", formatProgress("Receiving", p.Filename, p.TransferID, p.Received, 0))
		return
	}
	step := p.Received * 100 / p.DeclaredSize / progressStep

	r.mu.Lock()
	prev, seen := r.last[p.TransferID]
	if p.Done {
		delete(r.last, p.TransferID)
	} else {
		r.last[p.TransferID] = step
	}
	r.mu.Unlock()

	if seen && step == prev && !p.Done {
		return
	}
	util.LogInfo("%s", formatProgress("Receiving", p.Filename, p.TransferID, p.Received, p.DeclaredSize))
}

// forget drops the state of a transfer that ended without completing.
func (r *receiveProgress) forget(id uuid.UUID) {
	r.mu.Lock()
	delete(r.last, id)
	r.mu.Unlock()
}

func (r *receiveProgress) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}

// intake is the inbound file path: reassembly plus progress output.
type intake struct {
	*reassembly.Receiver
	progress *receiveProgress
}

// HandleFragment feeds b to the reassembler and clears the progress of
// transfers it drops.
func (in *intake) HandleFragment(ctx context.Context, b *protocol.Batch) (reassembly.Outcome, error) {
	out, err := in.Receiver.HandleFragment(ctx, b)
	if out == reassembly.OutcomeAborted || out == reassembly.OutcomeFailed {
		in.progress.forget(b.TransferID)
	}
	return out, err
}

// logSendProgress logs every dispatched container of a send.
func logSendProgress(p transfer.Progress) {
	util.LogInfo("%s", formatProgress("Sending", p.Filename, p.TransferID, p.Sent, p.Total))
}
