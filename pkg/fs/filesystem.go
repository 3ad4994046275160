package fs

import (
	"io"
	"os"

	"github.com/oarkflow/minidrive/pkg/log"
)

// File is an open file handed out by an FS.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	Stat() (os.FileInfo, error)
}

// FS is one user's view of storage. Every path argument is a virtual path
// ("/"-rooted, already joined with the caller's working directory) and is
// resolved through the user's sandbox before anything is touched.
type FS interface {
	Resolve(virtual string) (string, error)
	Virtual(physical string) string
	Stat(virtual string) (os.FileInfo, error)
	List(virtual string) ([]os.FileInfo, error)
	Open(virtual string) (File, error)
	Create(virtual string) (File, error)
	Remove(virtual string) error
	Mkdir(virtual string) error
	Rmdir(virtual string) error
	Rename(src, dst string) error
	Copy(src, dst string) error
	SetLogger(logger log.Logger)
	Logger() log.Logger
	SetPermissions(p []string)
	Permissions() []string
	SetContext(ctx map[string]string)
	Context() map[string]string
	Type() string
}
