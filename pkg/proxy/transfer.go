package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/pkg/sftp"
)

const (
	directionIngress = "ingress"
	directionEgress  = "egress"

	outcomeCommitted = "committed"
	outcomeDiscarded = "discarded"
	outcomeFailed    = "failed"
	outcomeAborted   = "aborted"
)

// pendingTransfer buffers an upload until the client closes the handle. The
// ingress transform runs on close and decides whether anything reaches the
// origin.
type pendingTransfer struct {
	sess   *Session
	b      *backend
	path   string
	flags  int
	limit  int64
	handle TransformFunc

	mu  sync.Mutex
	buf []byte
	// low is the smallest offset written, -1 before the first write. Appends
	// only carry the bytes from low onwards.
	low    int64
	failed error
	closed bool
}

func newPendingTransfer(sess *Session, b *backend, path string, flags int, limit int64, handle TransformFunc) (*pendingTransfer, error) {
	if limit <= 0 {
		limit = DefaultMaxTransferSize
	}
	t := &pendingTransfer{
		sess:   sess,
		b:      b,
		path:   path,
		flags:  flags,
		limit:  limit,
		handle: handle,
		low:    -1,
	}
	if !sess.track(t) {
		return nil, errSessionClosed
	}
	return t, nil
}

// preload seeds the buffer with the current origin content, so a partial
// overwrite keeps the bytes the client does not write.
func (t *pendingTransfer) preload(content []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = content
}

// WriteAt stores p at off. The request server may call it concurrently.
func (t *pendingTransfer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, sftp.ErrSSHFxFailure
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.failed != nil {
		return 0, sftp.ErrSSHFxFailure
	}

	end := off + int64(len(p))
	if end < off || end > t.limit {
		t.failed = errTransferTooLarge
		return 0, sftp.ErrSSHFxFailure
	}
	if t.low < 0 || off < t.low {
		t.low = off
	}
	if end > int64(len(t.buf)) {
		t.buf = slices.Grow(t.buf, int(end)-len(t.buf))[:end]
	}
	return copy(t.buf[off:], p), nil
}

// TransferError is called by the request server when the handle is torn down
// without a regular close, for example when the client disconnects.
func (t *pendingTransfer) TransferError(err error) {
	t.abort(err)
}

func (t *pendingTransfer) abort(err error) {
	if err == nil {
		err = errTransferAborted
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed == nil {
		t.failed = fmt.Errorf("%w: %w", errTransferAborted, err)
	}
}

// Close runs the ingress transform and commits the result to the origin.
func (t *pendingTransfer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	buf, failed := t.buf, t.failed
	if t.flags&os.O_APPEND != 0 && t.low > 0 {
		buf = buf[t.low:]
	}
	t.buf = nil
	t.mu.Unlock()

	t.sess.untrack(t)
	log := t.sess.logger().With("direction", directionIngress, "path", t.path)
	metrics := t.sess.metrics

	if failed != nil {
		outcome := outcomeFailed
		if errors.Is(failed, errTransferAborted) {
			outcome = outcomeAborted
		}
		log.Warn("upload not committed", "error", failed)
		metrics.Transfer(directionIngress, outcome, 0)
		return sftp.ErrSSHFxFailure
	}

	content, outcome, err := runTransform(t.sess.ctx, t.handle, t.path, buf)
	if err != nil {
		log.Error("ingress transform failed", "error", err)
		metrics.Transfer(directionIngress, outcomeFailed, 0)
		return sftp.ErrSSHFxFailure
	}
	if outcome == Discard {
		log.Info("upload discarded", "size", len(buf))
		metrics.Transfer(directionIngress, outcomeDiscarded, 0)
		return nil
	}

	if err := t.commit(content); err != nil {
		log.Error("upload commit failed", "error", err)
		metrics.Transfer(directionIngress, outcomeFailed, 0)
		return translateError(err)
	}
	log.Debug("upload committed", "size", len(content))
	metrics.Transfer(directionIngress, outcomeCommitted, len(content))
	return nil
}

func (t *pendingTransfer) commit(content []byte) error {
	flags := os.O_WRONLY | os.O_CREATE | t.flags
	if t.flags&os.O_APPEND == 0 {
		flags |= os.O_TRUNC
	}
	f, err := t.b.sftp.OpenFile(t.path, flags)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(bytes.NewReader(content)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readOrigin reads the whole origin file, failing with errTransferTooLarge
// when it is larger than limit.
func readOrigin(b *backend, path string, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxTransferSize
	}
	f, err := b.sftp.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(f, limit+1)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) > limit {
		return nil, errTransferTooLarge
	}
	return buf.Bytes(), nil
}

// fetchEgress reads the whole origin file, runs the egress transform and
// returns the content to serve to the client.
func fetchEgress(sess *Session, b *backend, path string, limit int64, handle TransformFunc) (io.ReaderAt, error) {
	log := sess.logger().With("direction", directionEgress, "path", path)
	metrics := sess.metrics

	data, err := readOrigin(b, path, limit)
	if errors.Is(err, errTransferTooLarge) {
		log.Warn("download refused", "error", err)
		metrics.Transfer(directionEgress, outcomeFailed, 0)
		return nil, sftp.ErrSSHFxFailure
	}
	if err != nil {
		metrics.Transfer(directionEgress, outcomeFailed, 0)
		return nil, translateError(err)
	}

	content, outcome, err := runTransform(sess.ctx, handle, path, data)
	if err != nil {
		log.Error("egress transform failed", "error", err)
		metrics.Transfer(directionEgress, outcomeFailed, 0)
		return nil, sftp.ErrSSHFxFailure
	}
	if outcome == Discard {
		log.Info("download discarded")
		metrics.Transfer(directionEgress, outcomeDiscarded, 0)
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	metrics.Transfer(directionEgress, outcomeCommitted, len(content))
	return bytes.NewReader(content), nil
}

// runTransform applies handle to content. A nil handle passes content through.
func runTransform(ctx context.Context, handle TransformFunc, path string, content []byte) ([]byte, Outcome, error) {
	if handle == nil {
		return content, Commit, nil
	}
	var out bytes.Buffer
	outcome, err := handle(ctx, path, bytes.NewReader(content), &out)
	if err != nil {
		return nil, Discard, err
	}
	switch outcome {
	case Commit, Discard:
		return out.Bytes(), outcome, nil
	default:
		return nil, Discard, fmt.Errorf("unknown transform outcome %s", outcome)
	}
}
