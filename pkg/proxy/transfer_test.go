package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTransferWriteAt(t *testing.T) {
	sess := newTestSession(t)
	transfer, err := newPendingTransfer(sess, nil, "/f", 0, 0, nil)
	require.NoError(t, err)

	// Out of order writes from concurrent request workers.
	var wg sync.WaitGroup
	for i, chunk := range []string{"aaaa", "bbbb", "cccc", "dddd"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := transfer.WriteAt([]byte(chunk), int64(i*4))
			assert.NoError(t, err)
			assert.Equal(t, 4, n)
		}()
	}
	wg.Wait()

	transfer.mu.Lock()
	defer transfer.mu.Unlock()
	assert.Equal(t, "aaaabbbbccccdddd", string(transfer.buf))
	assert.Equal(t, int64(0), transfer.low)
}

func TestPendingTransferSparseWrite(t *testing.T) {
	sess := newTestSession(t)
	transfer, err := newPendingTransfer(sess, nil, "/f", os.O_APPEND, 0, nil)
	require.NoError(t, err)

	_, err = transfer.WriteAt([]byte("tail"), 6)
	require.NoError(t, err)
	_, err = transfer.WriteAt([]byte("mid"), 3)
	require.NoError(t, err)

	transfer.mu.Lock()
	defer transfer.mu.Unlock()
	assert.Equal(t, "\x00\x00\x00midtail", string(transfer.buf))
	assert.Equal(t, int64(3), transfer.low)

	_, err = transfer.WriteAt([]byte("x"), -1)
	assert.Error(t, err)
}

func TestPendingTransferLimit(t *testing.T) {
	sess := newTestSession(t)
	transfer, err := newPendingTransfer(sess, nil, "/f", 0, 8, nil)
	require.NoError(t, err)

	_, err = transfer.WriteAt([]byte("12345678"), 0)
	require.NoError(t, err)
	_, err = transfer.WriteAt([]byte("9"), 8)
	assert.ErrorIs(t, err, sftp.ErrSSHFxFailure)

	// The transfer stays failed.
	_, err = transfer.WriteAt([]byte("1"), 0)
	assert.Error(t, err)
	assert.ErrorIs(t, transfer.Close(), sftp.ErrSSHFxFailure)
	assert.NoError(t, transfer.Close(), "second close is a no-op")
}

func TestPendingTransferOffsetBounds(t *testing.T) {
	sess := newTestSession(t)

	tests := []struct {
		name string
		off  int64
		data string
	}{
		{"beyond default limit", 1 << 60, "x"},
		{"end overflows", math.MaxInt64 - 1, "xyz"},
		{"one past default limit", DefaultMaxTransferSize, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transfer, err := newPendingTransfer(sess, nil, "/f", 0, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(DefaultMaxTransferSize), transfer.limit)

			_, err = transfer.WriteAt([]byte(tt.data), tt.off)
			assert.ErrorIs(t, err, sftp.ErrSSHFxFailure)
			assert.ErrorIs(t, transfer.Close(), sftp.ErrSSHFxFailure)
		})
	}
}

func TestPendingTransferPreload(t *testing.T) {
	sess := newTestSession(t)
	transfer, err := newPendingTransfer(sess, nil, "/f", 0, 0, nil)
	require.NoError(t, err)

	transfer.preload([]byte("hello there"))
	_, err = transfer.WriteAt([]byte("world"), 6)
	require.NoError(t, err)

	transfer.mu.Lock()
	defer transfer.mu.Unlock()
	assert.Equal(t, "hello world", string(transfer.buf))
}

func TestPendingTransferTransferError(t *testing.T) {
	sess := newTestSession(t)
	transfer, err := newPendingTransfer(sess, nil, "/f", 0, 0, nil)
	require.NoError(t, err)

	_, err = transfer.WriteAt([]byte("half"), 0)
	require.NoError(t, err)
	transfer.TransferError(io.ErrUnexpectedEOF)

	assert.ErrorIs(t, transfer.Close(), sftp.ErrSSHFxFailure)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.Empty(t, sess.transfers)
}

func TestPendingTransferHandlerError(t *testing.T) {
	sess := newTestSession(t)
	failing := func(context.Context, string, io.Reader, io.Writer) (Outcome, error) {
		return Commit, errors.New("scanner down")
	}
	transfer, err := newPendingTransfer(sess, nil, "/f", 0, 0, failing)
	require.NoError(t, err)
	_, err = transfer.WriteAt([]byte("data"), 0)
	require.NoError(t, err)

	// No backend is touched on failure.
	assert.ErrorIs(t, transfer.Close(), sftp.ErrSSHFxFailure)
}

func TestPendingTransferDiscard(t *testing.T) {
	sess := newTestSession(t)
	var seen string
	discard := func(_ context.Context, p string, in io.Reader, _ io.Writer) (Outcome, error) {
		data, err := io.ReadAll(in)
		seen = p + ":" + string(data)
		return Discard, err
	}
	transfer, err := newPendingTransfer(sess, nil, "/drop.txt", 0, 0, discard)
	require.NoError(t, err)
	_, err = transfer.WriteAt([]byte("gone"), 0)
	require.NoError(t, err)

	assert.NoError(t, transfer.Close())
	assert.Equal(t, "/drop.txt:gone", seen)
}

func TestRunTransform(t *testing.T) {
	ctx := context.Background()

	content, outcome, err := runTransform(ctx, nil, "/f", []byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, Commit, outcome)
	assert.Equal(t, "plain", string(content))

	upper := func(_ context.Context, _ string, in io.Reader, out io.Writer) (Outcome, error) {
		data, err := io.ReadAll(in)
		if err != nil {
			return Discard, err
		}
		_, err = io.WriteString(out, strings.ToUpper(string(data)))
		return Commit, err
	}
	content, outcome, err = runTransform(ctx, upper, "/f", []byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, Commit, outcome)
	assert.Equal(t, "PLAIN", string(content))

	bogus := func(context.Context, string, io.Reader, io.Writer) (Outcome, error) {
		return Outcome(9), nil
	}
	_, _, err = runTransform(ctx, bogus, "/f", nil)
	assert.Error(t, err)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"eof", io.EOF, io.EOF},
		{"not exist", fs.ErrNotExist, sftp.ErrSSHFxNoSuchFile},
		{"wrapped not exist", fmt.Errorf("stat: %w", os.ErrNotExist), sftp.ErrSSHFxNoSuchFile},
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, sftp.ErrSSHFxPermissionDenied},
		{"status no such file", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxNoSuchFile)}, sftp.ErrSSHFxNoSuchFile},
		{"status permission", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxPermissionDenied)}, sftp.ErrSSHFxPermissionDenied},
		{"status unsupported", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxOpUnsupported)}, sftp.ErrSSHFxOpUnsupported},
		{"status eof", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxEOF)}, io.EOF},
		{"status extended", &sftp.StatusError{Code: 11}, sftp.ErrSSHFxFailure},
		{"unsupported request", fmt.Errorf("%w: Frobnicate", errClientUnsupported), sftp.ErrSSHFxOpUnsupported},
		{"connection lost", sftp.ErrSSHFxConnectionLost, sftp.ErrSSHFxConnectionLost},
		{"other", errors.New("boom"), sftp.ErrSSHFxFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, translateError(tt.err))
		})
	}
}
