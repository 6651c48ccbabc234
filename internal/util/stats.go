package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	PacketsOut atomic.Int64 // raw packets handed to the relay
	BytesOut   atomic.Int64 // raw packet bytes handed to the relay
	PacketsIn  atomic.Int64 // raw packets injected into the device
	BytesIn    atomic.Int64 // raw packet bytes injected into the device

	DroppedNoPeer  atomic.Int64 // egress packets discarded while no peer was set
	DroppedQueue   atomic.Int64 // egress packets discarded on a full queue
	DroppedSend    atomic.Int64 // egress packets the relay refused
	DroppedInject  atomic.Int64 // ingress packets the device could not take
	DroppedInvalid atomic.Int64 // batches skipped as malformed

	DirectMessagesOut atomic.Int64 // DataChannel messages written on direct links
	DirectBytesOut    atomic.Int64 // DataChannel bytes written on direct links

	FragmentsIn        atomic.Int64 // file fragments accepted
	TransfersCompleted atomic.Int64 // files reassembled and saved
	TransfersAborted   atomic.Int64 // files dropped on sequence violation or save failure
	FilesSent          atomic.Int64 // files fully dispatched
}

func (s *stats) AddOut(n int) {
	s.PacketsOut.Add(1)
	s.BytesOut.Add(int64(n))
}

func (s *stats) AddDirectOut(n int) {
	s.DirectMessagesOut.Add(1)
	s.DirectBytesOut.Add(int64(n))
}

func (s *stats) AddIn(n int) {
	s.PacketsIn.Add(1)
	s.BytesIn.Add(int64(n))
}

// Dropped returns the sum of all packet drop counters.
func (s *stats) Dropped() int64 {
	return s.DroppedNoPeer.Load() + s.DroppedQueue.Load() + s.DroppedSend.Load() + s.DroppedInject.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevOut, prevIn, prevDrop int64
		for {
			select {
			case <-ticker.C:
				out := Stats.BytesOut.Load()
				in := Stats.BytesIn.Load()
				drop := Stats.Dropped()

				outS := float64(out-prevOut) / 10.0
				inS := float64(in-prevIn) / 10.0
				dropC := drop - prevDrop

				if dropC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(outS, inS, dropC))
				}

				prevOut = out
				prevIn = in
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(outS, inS float64, dropC int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Drop: %4d",
		FormatBytes(outS),
		FormatBytes(inS),
		dropC,
	)
}
