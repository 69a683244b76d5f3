package worker

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/drover-dl/drover/internal/events"
	"github.com/drover-dl/drover/internal/request"
	"github.com/drover-dl/drover/internal/space"
	"github.com/drover-dl/drover/internal/store"
)

// speedWindow is how often the worker publishes a throughput sample.
const speedWindow = time.Second

// download streams the response body into the destination file and, on a
// complete stream, makes the file durable and world-readable.
func (w *Worker) download(resp *http.Response) error {
	out, err := os.OpenFile(w.req.FilePath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return w.classifyFileError(err)
	}
	defer out.Close()

	w.lastUpdateBytes = w.req.CurrentBytes
	w.lastUpdateAt = w.deps.Env.NowMono()
	w.speedBytes = w.req.CurrentBytes
	w.speedAt = w.lastUpdateAt

	if err := w.transfer(resp.Body, out); err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return w.classifyFileError(err)
	}
	if err := out.Chmod(0644); err != nil {
		return stopCause(request.StatusFileError, err)
	}
	return nil
}

// transfer is the chunk loop. Every iteration is a cancellation checkpoint;
// reads and writes both classify their own failures.
func (w *Worker) transfer(body io.Reader, out *os.File) error {
	buf := make([]byte, request.BufferSize)
	for {
		if err := w.stopRequested(); err != nil {
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if w.deps.Limiter != nil {
				if err := w.deps.Limiter.WaitN(w.stop.Context(), n); err != nil {
					if serr := w.stopRequested(); serr != nil {
						return serr
					}
					return stopCause(request.StatusCanceled, err)
				}
			}
			if err := w.writeChunk(out, buf[:n]); err != nil {
				return err
			}
			w.req.CurrentBytes += int64(n)
			w.advanceProgress()
		}

		if readErr != nil {
			if readErr == io.EOF {
				return w.finishStream()
			}
			if serr := w.stopRequested(); serr != nil {
				return serr
			}
			return w.transient(readErr)
		}
	}
}

// writeChunk appends one chunk, spending the single mid-stream reclamation on
// the first ENOSPC before giving up.
func (w *Worker) writeChunk(out *os.File, p []byte) error {
	n, err := out.Write(p)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		if !w.reclaimed {
			w.reclaimed = true
			freed, rerr := w.deps.Space.Reclaim(int64(len(p)-n) + space.Reserved)
			if rerr == nil && freed > 0 {
				if _, err2 := out.Write(p[n:]); err2 == nil {
					return nil
				}
			}
		}
		return stopCause(request.StatusInsufficientSpace, err)
	}
	return w.classifyFileError(err)
}

// classifyFileError separates a vanished backing device from an ordinary
// filesystem failure. DeviceNotFound is a deferral, not a verdict.
func (w *Worker) classifyFileError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return stopCause(request.StatusInsufficientSpace, err)
	}
	if w.req.FilePath != "" {
		if _, statErr := os.Stat(filepath.Dir(w.req.FilePath)); statErr != nil {
			return stopCause(request.StatusDeviceNotFound, err)
		}
	}
	return stopCause(request.StatusFileError, err)
}

// advanceProgress throttles store writes (both the byte and time thresholds
// must pass) and publishes a smoothed speed sample once per window.
func (w *Worker) advanceProgress() {
	now := w.deps.Env.NowMono()

	if elapsed := now - w.speedAt; elapsed >= speedWindow {
		sample := float64(w.req.CurrentBytes-w.speedBytes) / elapsed.Seconds()
		if w.speed == 0 {
			w.speed = sample
		} else {
			w.speed = (w.speed*3 + sample) / 4
		}
		w.speedBytes = w.req.CurrentBytes
		w.speedAt = now
		w.publishSpeed()
	}

	if w.req.CurrentBytes-w.lastUpdateBytes > request.ProgressStep &&
		now-w.lastUpdateAt > request.ProgressInterval {
		if err := w.deps.Store.Update(w.req.ID, store.Patch{CurrentBytes: &w.req.CurrentBytes}); err != nil {
			w.log.Debug("failed to write progress", "error", err)
		}
		w.lastUpdateBytes = w.req.CurrentBytes
		w.lastUpdateAt = now
	}
}

// publishSpeed never blocks; a congested consumer just misses a sample.
func (w *Worker) publishSpeed() {
	if w.deps.Events == nil {
		return
	}
	msg := events.SpeedMsg{
		RequestID:   w.req.ID,
		AttemptID:   w.attemptID,
		BytesPerSec: w.speed,
		At:          w.deps.Env.NowWall(),
	}
	select {
	case w.deps.Events <- msg:
	default:
	}
}

// finishStream settles the end of the body against the expected length. A
// short read is transient only while the transfer stays resumable.
func (w *Worker) finishStream() error {
	if w.req.TotalBytes != -1 && w.req.CurrentBytes != w.req.TotalBytes {
		if w.req.Resumable() {
			return w.transient(io.ErrUnexpectedEOF)
		}
		return stopf(request.StatusCannotResume,
			"stream ended at %d of %d and cannot be resumed", w.req.CurrentBytes, w.req.TotalBytes)
	}
	if w.req.TotalBytes == -1 {
		w.req.TotalBytes = w.req.CurrentBytes
	}
	return nil
}
