package proxy

import (
	"errors"
	"io"
	"io/fs"

	"github.com/pkg/sftp"
)

var (
	// ErrAuthFailed is the only error clients see for a rejected attempt,
	// whatever the reason.
	ErrAuthFailed = errors.New("authentication failed")

	ErrServerClosed = errors.New("sftpproxy: server closed")
	ErrNoHostKeys   = errors.New("no host keys configured")

	errSessionClosed     = errors.New("session closed")
	errTransferAborted   = errors.New("transfer aborted")
	errTransferTooLarge  = errors.New("transfer exceeds size limit")
	errClientUnsupported = errors.New("unsupported request")
)

// statusCodes maps origin status codes back to the errors the request server
// turns into the same codes for the client.
var statusCodes = map[uint32]error{
	uint32(sftp.ErrSSHFxEOF):              io.EOF,
	uint32(sftp.ErrSSHFxNoSuchFile):       sftp.ErrSSHFxNoSuchFile,
	uint32(sftp.ErrSSHFxPermissionDenied): sftp.ErrSSHFxPermissionDenied,
	uint32(sftp.ErrSSHFxFailure):          sftp.ErrSSHFxFailure,
	uint32(sftp.ErrSSHFxBadMessage):       sftp.ErrSSHFxBadMessage,
	uint32(sftp.ErrSSHFxNoConnection):     sftp.ErrSSHFxNoConnection,
	uint32(sftp.ErrSSHFxConnectionLost):   sftp.ErrSSHFxConnectionLost,
	uint32(sftp.ErrSSHFxOpUnsupported):    sftp.ErrSSHFxOpUnsupported,
}

// translateError converts an origin-side error into one the request server
// reports with the equivalent SFTP status code. Codes outside the base set are
// reported as a generic failure.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		if mapped, ok := statusCodes[status.Code]; ok {
			return mapped
		}
		return sftp.ErrSSHFxFailure
	}

	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, fs.ErrNotExist):
		return sftp.ErrSSHFxNoSuchFile
	case errors.Is(err, fs.ErrPermission):
		return sftp.ErrSSHFxPermissionDenied
	case errors.Is(err, sftp.ErrSSHFxOpUnsupported), errors.Is(err, errClientUnsupported):
		return sftp.ErrSSHFxOpUnsupported
	case errors.Is(err, sftp.ErrSSHFxConnectionLost):
		return sftp.ErrSSHFxConnectionLost
	default:
		return sftp.ErrSSHFxFailure
	}
}
