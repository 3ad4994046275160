package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/bitwise"

	"github.com/oarkflow/minidrive/pkg/errs"
)

// ListerAt ... A list of files.
type ListerAt []os.FileInfo

// ListAt ...
// Returns the number of entries copied and an io.EOF error if we made it to the end of the file list.
func (l ListerAt) ListAt(f []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}

	n := copy(f, l[offset:])
	if n < len(f) {
		return n, io.EOF
	}
	return n, nil
}

// Entry is the listing form of one file.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// Entries converts file infos to entries sorted by name.
func Entries(infos []os.FileInfo) []Entry {
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, Entry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			Dir:     fi.IsDir(),
			Mode:    fi.Mode().String(),
			ModTime: fi.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var factory bitwise.Perman

const (
	// Read ... Permission to stat and list.
	Read = "read"
	// ReadContent ... Permission to read the contents of a file.
	ReadContent = "read-content"
	// Create ... Permission to create files and directories.
	Create = "create"
	// Update ... Permission to overwrite, rename or copy.
	Update = "update"
	// Delete ... Permission to delete files and directories.
	Delete = "delete"
)

// All is every capability.
var All = []string{Read, ReadContent, Create, Update, Delete}

func init() {
	factory = bitwise.Factory(All)
}

// Can reports whether the serialized permission set grants permission.
func Can(permissions int64, permission string) bool {
	return factory.Has(permissions, permission)
}

func Serialize(perm []string) int64 {
	return factory.Serialize(perm)
}

func Deserialize(perm int64) []string {
	return factory.Deserialize(perm)
}

// Locks is a table of physical paths currently open for writing. It is shared
// by every session so that two writers never hold the same file.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryLock takes p or reports Busy. The returned func releases it and is safe
// to call more than once.
func (l *Locks) TryLock(p string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[p]; ok {
		return nil, errs.New(errs.Busy, "file is being written by another session")
	}
	l.held[p] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, p)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether p, or any path below it, is locked.
func (l *Locks) Held(p string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[p]; ok {
		return true
	}
	prefix := strings.TrimSuffix(p, string(filepath.Separator)) + string(filepath.Separator)
	for h := range l.held {
		if strings.HasPrefix(h, prefix) {
			return true
		}
	}
	return false
}

// Fault tags an operating system error with the matching kind.
func Fault(op, virtual string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *errs.Error
	if errors.As(err, &tagged) {
		if tagged.Path == "" {
			return tagged.WithPath(op, virtual)
		}
		return tagged
	}
	kind := errs.FilesystemFault
	switch {
	case errors.Is(err, os.ErrNotExist):
		kind = errs.NotFound
	case errors.Is(err, os.ErrPermission):
		kind = errs.PermissionDenied
	case errors.Is(err, os.ErrExist):
		kind = errs.InvalidArguments
	}
	return errs.Wrap(kind, unwrapPath(err), "%s failed", op).WithPath(op, virtual)
}

// unwrapPath drops the physical path from *os.PathError so it never reaches
// a client.
func unwrapPath(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return le.Err
	}
	return err
}
