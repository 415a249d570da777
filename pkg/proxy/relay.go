package proxy

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/pkg/sftp"
)

// relay serves a client's SFTP requests from the session's backend.
type relay struct {
	sess  *Session
	b     *backend
	limit int64
	cfg   *ProxyConfig
}

var (
	_ sftp.FileReader           = (*relay)(nil)
	_ sftp.FileWriter           = (*relay)(nil)
	_ sftp.FileCmder            = (*relay)(nil)
	_ sftp.FileLister           = (*relay)(nil)
	_ sftp.LstatFileLister      = (*relay)(nil)
	_ sftp.RealPathFileLister   = (*relay)(nil)
	_ sftp.PosixRenameFileCmder = (*relay)(nil)
	_ sftp.StatVFSFileCmder     = (*relay)(nil)
)

func newRelay(sess *Session, b *backend, cfg *ProxyConfig, limit int64) *relay {
	return &relay{sess: sess, b: b, cfg: cfg, limit: limit}
}

func (r *relay) handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: r, FilePut: r, FileCmd: r, FileList: r}
}

func (r *relay) observe(method, path string) {
	r.sess.metrics.Operation(method)
	r.sess.logger().Debug("sftp request", "method", method, "path", path)
}

func (r *relay) Fileread(req *sftp.Request) (io.ReaderAt, error) {
	r.observe(req.Method, req.Filepath)
	return fetchEgress(r.sess, r.b, req.Filepath, r.limit, r.cfg.Handlers.Egress)
}

func (r *relay) Filewrite(req *sftp.Request) (io.WriterAt, error) {
	r.observe(req.Method, req.Filepath)

	pflags := req.Pflags()
	var flags int
	if pflags.Append {
		flags |= os.O_APPEND
	}
	if pflags.Excl {
		flags |= os.O_EXCL
	}

	// Failures the origin would report at open time are surfaced on open rather
	// than on close.
	fi, err := r.b.sftp.Lstat(req.Filepath)
	exists := err == nil && !fi.IsDir()
	switch {
	case err == nil && pflags.Excl:
		return nil, sftp.ErrSSHFxFailure
	case errors.Is(err, fs.ErrNotExist) && !pflags.Creat:
		return nil, sftp.ErrSSHFxNoSuchFile
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, translateError(err)
	}

	t, err := newPendingTransfer(r.sess, r.b, req.Filepath, flags, r.limit, r.cfg.Handlers.Ingress)
	if err != nil {
		return nil, sftp.ErrSSHFxConnectionLost
	}
	// The commit rewrites the whole file, so an overwrite in place starts from
	// what the origin holds.
	if exists && !pflags.Trunc && !pflags.Append {
		content, err := readOrigin(r.b, req.Filepath, r.limit)
		switch {
		case err == nil:
			t.preload(content)
		case errors.Is(err, fs.ErrNotExist):
			// Dangling symlink, the commit creates the target.
		case errors.Is(err, errTransferTooLarge):
			r.sess.untrack(t)
			return nil, sftp.ErrSSHFxFailure
		default:
			r.sess.untrack(t)
			return nil, translateError(err)
		}
	}
	return t, nil
}

func (r *relay) Filecmd(req *sftp.Request) error {
	r.observe(req.Method, req.Filepath)
	c := r.b.sftp

	var err error
	switch req.Method {
	case "Setstat":
		err = r.setstat(req)
	case "Rename":
		err = c.Rename(req.Filepath, req.Target)
	case "Rmdir":
		err = c.RemoveDirectory(req.Filepath)
	case "Mkdir":
		err = c.Mkdir(req.Filepath)
	case "Remove":
		err = c.Remove(req.Filepath)
	case "Symlink":
		err = c.Symlink(req.Filepath, req.Target)
	case "Link":
		err = c.Link(req.Filepath, req.Target)
	default:
		err = fmt.Errorf("%w: %s", errClientUnsupported, req.Method)
	}
	return translateError(err)
}

func (r *relay) setstat(req *sftp.Request) error {
	c := r.b.sftp
	attrs := req.Attributes()
	flags := req.AttrFlags()

	if flags.Size {
		if err := c.Truncate(req.Filepath, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if flags.UidGid {
		if err := c.Chown(req.Filepath, int(attrs.UID), int(attrs.GID)); err != nil {
			return err
		}
	}
	if flags.Permissions {
		if err := c.Chmod(req.Filepath, attrs.FileMode()); err != nil {
			return err
		}
	}
	if flags.Acmodtime {
		atime := time.Unix(int64(attrs.Atime), 0)
		mtime := time.Unix(int64(attrs.Mtime), 0)
		if err := c.Chtimes(req.Filepath, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (r *relay) PosixRename(req *sftp.Request) error {
	r.observe(req.Method, req.Filepath)
	return translateError(r.b.sftp.PosixRename(req.Filepath, req.Target))
}

func (r *relay) StatVFS(req *sftp.Request) (*sftp.StatVFS, error) {
	r.observe(req.Method, req.Filepath)
	st, err := r.b.sftp.StatVFS(req.Filepath)
	if err != nil {
		return nil, translateError(err)
	}
	return st, nil
}

func (r *relay) Filelist(req *sftp.Request) (sftp.ListerAt, error) {
	r.observe(req.Method, req.Filepath)
	c := r.b.sftp

	switch req.Method {
	case "List":
		entries, err := c.ReadDir(req.Filepath)
		if err != nil {
			return nil, translateError(err)
		}
		return listerAt(entries), nil
	case "Stat":
		fi, err := c.Stat(req.Filepath)
		if err != nil {
			return nil, translateError(err)
		}
		return listerAt{fi}, nil
	case "Readlink":
		target, err := c.ReadLink(req.Filepath)
		if err != nil {
			return nil, translateError(err)
		}
		return listerAt{linkInfo(target)}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

func (r *relay) Lstat(req *sftp.Request) (sftp.ListerAt, error) {
	r.observe(req.Method, req.Filepath)
	fi, err := r.b.sftp.Lstat(req.Filepath)
	if err != nil {
		return nil, translateError(err)
	}
	return listerAt{fi}, nil
}

func (r *relay) RealPath(p string) (string, error) {
	r.observe("Realpath", p)
	resolved, err := r.b.sftp.RealPath(p)
	if err != nil {
		return "", translateError(err)
	}
	return resolved, nil
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

// linkInfo carries a readlink target; the request server only reads its name.
type linkInfo string

func (l linkInfo) Name() string       { return string(l) }
func (l linkInfo) Size() int64        { return 0 }
func (l linkInfo) Mode() fs.FileMode  { return fs.ModeSymlink }
func (l linkInfo) ModTime() time.Time { return time.Time{} }
func (l linkInfo) IsDir() bool        { return false }
func (l linkInfo) Sys() any           { return nil }
