package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "relaytun"

// NewMetricsRegistry exposes the Stats counters as Prometheus counters.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	makeCounter := func(subsystem, name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	reg.MustRegister(
		makeCounter("tunnel", "packets_out_total", "Raw packets handed to the relay.", &Stats.PacketsOut),
		makeCounter("tunnel", "bytes_out_total", "Raw packet bytes handed to the relay.", &Stats.BytesOut),
		makeCounter("tunnel", "packets_in_total", "Raw packets injected into the device.", &Stats.PacketsIn),
		makeCounter("tunnel", "bytes_in_total", "Raw packet bytes injected into the device.", &Stats.BytesIn),
		makeCounter("tunnel", "dropped_no_peer_total", "Outbound packets discarded with no peer configured.", &Stats.DroppedNoPeer),
		makeCounter("tunnel", "dropped_queue_total", "Outbound packets discarded on a full egress queue.", &Stats.DroppedQueue),
		makeCounter("tunnel", "dropped_send_total", "Outbound packets the relay refused.", &Stats.DroppedSend),
		makeCounter("tunnel", "dropped_inject_total", "Inbound packets the device could not take.", &Stats.DroppedInject),
		makeCounter("tunnel", "dropped_invalid_total", "Inbound batches skipped as malformed.", &Stats.DroppedInvalid),
		makeCounter("direct", "messages_out_total", "DataChannel messages written on direct links.", &Stats.DirectMessagesOut),
		makeCounter("direct", "bytes_out_total", "DataChannel bytes written on direct links.", &Stats.DirectBytesOut),
		makeCounter("transfer", "fragments_in_total", "File fragments accepted.", &Stats.FragmentsIn),
		makeCounter("transfer", "completed_total", "Files reassembled and saved.", &Stats.TransfersCompleted),
		makeCounter("transfer", "aborted_total", "Files dropped before completion.", &Stats.TransfersAborted),
		makeCounter("transfer", "sent_total", "Files fully dispatched.", &Stats.FilesSent),
	)

	return reg
}

// ServeMetrics serves /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(NewMetricsRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	LogInfo("metrics available at http://%s/metrics", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
