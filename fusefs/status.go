package fusefs

import (
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gridmount/gridmount"
)

// errToStatus maps the shared error taxonomy onto FUSE status codes.
// The write-once rejections (sealed file, unsealed read) surface as
// EACCES: the content exists but this access mode is never allowed.
// Anything outside the taxonomy is an I/O error.
func errToStatus(err error) fuse.Status {
	switch {
	case err == nil:
		return fuse.OK
	case errors.Is(err, gridmount.ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, gridmount.ErrExist):
		return fuse.Status(syscall.EEXIST)
	case errors.Is(err, gridmount.ErrNotEmpty):
		return fuse.Status(syscall.ENOTEMPTY)
	case errors.Is(err, gridmount.ErrNotDir):
		return fuse.ENOTDIR
	case errors.Is(err, gridmount.ErrIsDir):
		return fuse.Status(syscall.EISDIR)
	case errors.Is(err, gridmount.ErrInvalidState),
		errors.Is(err, gridmount.ErrAlreadyWritten):
		return fuse.EACCES
	case errors.Is(err, gridmount.ErrBusy):
		return fuse.EBUSY
	case errors.Is(err, gridmount.ErrUnsupported):
		return fuse.EINVAL
	case errors.Is(err, gridmount.ErrStale):
		return fuse.Status(syscall.ESTALE)
	default:
		return fuse.EIO
	}
}
