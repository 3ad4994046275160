package afos

import (
	"os"

	"github.com/spf13/afero"

	fs2 "github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/log"
)

// WithLocks shares a lock table between several users' file systems.
func WithLocks(val *fs2.Locks) func(*Afos) {
	return func(o *Afos) {
		if val != nil {
			o.locks = val
		}
	}
}

func WithPermissions(val []string) func(*Afos) {
	return func(o *Afos) {
		o.permissions = fs2.Serialize(val)
	}
}

func WithReadOnly(val bool) func(*Afos) {
	return func(o *Afos) {
		o.readOnly = val
	}
}

func WithLogger(val log.Logger) func(*Afos) {
	return func(o *Afos) {
		if val != nil {
			o.logger = val
		}
	}
}

// WithFs swaps the underlying afero file system. Paths handed to it are
// still physical paths below the sandbox root.
func WithFs(val afero.Fs) func(*Afos) {
	return func(o *Afos) {
		o.fs = val
	}
}

func WithModes(dir, file os.FileMode) func(*Afos) {
	return func(o *Afos) {
		o.dirMode = dir
		o.fileMode = file
	}
}
