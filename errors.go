package gridmount

import "errors"

// Error taxonomy shared by the stores and the filesystem core. The FUSE
// layer maps these to protocol status codes; anything outside the
// taxonomy is treated as an I/O error. Store implementations wrap the
// underlying driver error with %w so the sentinel still matches through
// errors.Is while the cause stays visible in logs.
var (
	// ErrNotFound: entry or content-reference absent.
	ErrNotFound = errors.New("not found")

	// ErrExist: name already taken within the parent on create/rename.
	ErrExist = errors.New("already exists")

	// ErrNotEmpty: directory deletion blocked by remaining children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNotDir / ErrIsDir: operation applied to the wrong entry kind.
	ErrNotDir = errors.New("not a directory")
	ErrIsDir  = errors.New("is a directory")

	// ErrInvalidState: read attempted before the file was sealed.
	ErrInvalidState = errors.New("file not sealed")

	// ErrAlreadyWritten: open-for-write on a sealed file. Content is
	// write-once; there is no rewrite path.
	ErrAlreadyWritten = errors.New("file already written")

	// ErrBusy: another handle already holds the file open for write.
	ErrBusy = errors.New("file busy")

	// ErrUnsupported: permanently rejected operations (non-sequential
	// write, resize, links). Not a transient condition.
	ErrUnsupported = errors.New("operation not supported")

	// ErrStale: inode number no longer resolves to a live entry.
	ErrStale = errors.New("stale inode")
)
