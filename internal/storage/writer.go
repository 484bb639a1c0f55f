package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"plugin-warden/internal/telemetry"
)

// RecordWriter persists finalized telemetry asynchronously so sandbox
// release never blocks on the database.
type RecordWriter struct {
	store *Store
	ch    chan *TelemetryRow
	wg    sync.WaitGroup
	done  chan struct{}
}

// NewRecordWriter creates a writer with the given buffer size.
func NewRecordWriter(store *Store, bufferSize int) *RecordWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &RecordWriter{
		store: store,
		ch:    make(chan *TelemetryRow, bufferSize),
		done:  make(chan struct{}),
	}
}

// Start launches the background write loop.
func (w *RecordWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Write enqueues a finalized record. A full buffer drops the row rather
// than blocking the caller.
func (w *RecordWriter) Write(record *telemetry.Record, isolationLevel string) {
	row := rowFromRecord(record, isolationLevel)
	select {
	case w.ch <- row:
	default:
		log.Warn().Str("sandbox_id", row.SandboxID).Msg("telemetry buffer full, dropping record")
	}
}

// Flush stops the loop, draining buffered rows within timeout.
func (w *RecordWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("telemetry writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("telemetry writer flush timed out")
	}
}

func (w *RecordWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case row := <-w.ch:
			w.writeWithRetry(row)
		case <-w.done:
			for {
				select {
				case row := <-w.ch:
					w.writeWithRetry(row)
				default:
					return
				}
			}
		}
	}
}

func (w *RecordWriter) writeWithRetry(row *TelemetryRow) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.SaveTelemetry(ctx, row)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("sandbox_id", row.SandboxID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("telemetry write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("sandbox_id", row.SandboxID).
				Msg("telemetry write failed permanently after retries")
		}
	}
}

func rowFromRecord(r *telemetry.Record, isolationLevel string) *TelemetryRow {
	peakMem, peakCPU := r.Peaks()
	row := &TelemetryRow{
		SandboxID:      r.SandboxID,
		PluginID:       r.PluginID,
		IsolationLevel: isolationLevel,
		PeakMemoryMB:   peakMem,
		PeakCPUPercent: peakCPU,
		ViolationCount: r.ViolationCount(),
		StartedAt:      r.StartTime,
	}
	if r.Finalized() {
		row.ExitCode = r.ExitCode
		row.ExitReason = r.ExitReason
		row.FileOps = r.FileOps
		row.NetOps = r.NetOps
		row.CleanupSuccessful = r.CleanupSuccessful
		ended := r.EndTime
		row.EndedAt = &ended
	}
	return row
}
