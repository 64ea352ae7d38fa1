package portalfs

import (
	"errors"
	"io/fs"
)

// Filesystem errors. Operations return them wrapped in *fs.PathError.
var (
	ErrFileNotFound      = errors.New("file not found")
	ErrFileExists        = errors.New("file exists")
	ErrFileIsADirectory  = errors.New("file is a directory")
	ErrFileNotADirectory = errors.New("file is not a directory")
	ErrNoPermissions     = errors.New("no permissions")
	ErrNotSupported      = errors.New("operation not supported")
)

func pathError(op, p string, err error) error {
	return &fs.PathError{Op: op, Path: p, Err: err}
}
