package afos

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/oarkflow/minidrive/pkg/errs"
	fs2 "github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/log"
	"github.com/oarkflow/minidrive/pkg/sandbox"
)

// Afos ... A file system exposed to a user, rooted at their sandbox.
type Afos struct {
	fs          afero.Fs
	resolver    *sandbox.Resolver
	locks       *fs2.Locks
	logger      log.Logger
	permissions int64
	ctx         map[string]string
	readOnly    bool
	dirMode     os.FileMode
	fileMode    os.FileMode
}

func defaultAfos(resolver *sandbox.Resolver) *Afos {
	return &Afos{
		fs:          afero.NewOsFs(),
		resolver:    resolver,
		locks:       fs2.NewLocks(),
		logger:      log.Discard(),
		permissions: fs2.Serialize(fs2.All),
		dirMode:     0o755,
		fileMode:    0o644,
	}
}

// New binds an OS backed FS to one sandbox root.
func New(root string, opts ...func(*Afos)) (fs2.FS, error) {
	resolver, err := sandbox.New(root)
	if err != nil {
		return nil, err
	}
	f := defaultAfos(resolver)
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

func (f *Afos) SetPermissions(p []string) {
	f.permissions = fs2.Serialize(p)
}

func (f *Afos) Permissions() []string {
	return fs2.Deserialize(f.permissions)
}

func (f *Afos) SetContext(ctx map[string]string) {
	f.ctx = ctx
}

func (f *Afos) Context() map[string]string {
	return f.ctx
}

func (f *Afos) SetLogger(logger log.Logger) {
	f.logger = logger
}

func (f *Afos) Logger() log.Logger {
	return f.logger
}

func (f *Afos) Type() string {
	return "os"
}

func (f *Afos) Resolve(virtual string) (string, error) {
	return f.resolver.Resolve("/", virtual)
}

func (f *Afos) Virtual(physical string) string {
	return f.resolver.Virtual(physical)
}

func (f *Afos) can(op, virtual, permission string) error {
	if !fs2.Can(f.permissions, permission) {
		return errs.New(errs.PermissionDenied, "%s not permitted", permission).WithPath(op, virtual)
	}
	return nil
}

func (f *Afos) writable(op, virtual string) error {
	if f.readOnly {
		return errs.New(errs.PermissionDenied, "storage is read-only").WithPath(op, virtual)
	}
	return nil
}

func (f *Afos) Stat(virtual string) (os.FileInfo, error) {
	if err := f.can("stat", virtual, fs2.Read); err != nil {
		return nil, err
	}
	p, err := f.Resolve(virtual)
	if err != nil {
		return nil, err
	}
	info, err := f.fs.Stat(p)
	if err != nil {
		return nil, fs2.Fault("stat", virtual, err)
	}
	return info, nil
}

// List returns the entries of a directory, or the file itself when virtual
// names a file.
func (f *Afos) List(virtual string) ([]os.FileInfo, error) {
	if err := f.can("list", virtual, fs2.Read); err != nil {
		return nil, err
	}
	p, err := f.Resolve(virtual)
	if err != nil {
		return nil, err
	}
	info, err := f.fs.Stat(p)
	if err != nil {
		return nil, fs2.Fault("list", virtual, err)
	}
	if !info.IsDir() {
		return []os.FileInfo{info}, nil
	}
	infos, err := afero.ReadDir(f.fs, p)
	if err != nil {
		f.logger.Error("error listing directory", "source", virtual, "err", err)
		return nil, fs2.Fault("list", virtual, err)
	}
	return infos, nil
}

// Open opens a regular file for reading.
func (f *Afos) Open(virtual string) (fs2.File, error) {
	if err := f.can("open", virtual, fs2.ReadContent); err != nil {
		return nil, err
	}
	p, err := f.Resolve(virtual)
	if err != nil {
		return nil, err
	}
	info, err := f.fs.Stat(p)
	if err != nil {
		return nil, fs2.Fault("open", virtual, err)
	}
	if info.IsDir() {
		return nil, errs.New(errs.InvalidArguments, "is a directory").WithPath("open", virtual)
	}
	file, err := f.fs.Open(p)
	if err != nil {
		f.logger.Error("could not open file for reading", "source", virtual, "err", err)
		return nil, fs2.Fault("open", virtual, err)
	}
	return file, nil
}

// Create opens a file for writing, truncating it and creating missing parent
// directories. The handle holds the path exclusively until it is closed.
func (f *Afos) Create(virtual string) (fs2.File, error) {
	if err := f.writable("create", virtual); err != nil {
		return nil, err
	}
	p, err := f.Resolve(virtual)
	if err != nil {
		return nil, err
	}
	if f.resolver.IsRoot(p) {
		return nil, errs.New(errs.InvalidArguments, "is a directory").WithPath("create", virtual)
	}

	stat, statErr := f.fs.Stat(p)
	switch {
	case os.IsNotExist(statErr):
		if err := f.can("create", virtual, fs2.Create); err != nil {
			return nil, err
		}
	case statErr != nil:
		f.logger.Error("error performing file stat", "source", virtual, "err", statErr)
		return nil, fs2.Fault("create", virtual, statErr)
	default:
		if err := f.can("create", virtual, fs2.Update); err != nil {
			return nil, err
		}
		if stat.IsDir() {
			f.logger.Warn("attempted to open a directory for writing to", "source", virtual)
			return nil, errs.New(errs.InvalidArguments, "is a directory").WithPath("create", virtual)
		}
	}

	release, err := f.locks.TryLock(p)
	if err != nil {
		return nil, errs.Wrap(errs.Busy, err, "open for writing").WithPath("create", virtual)
	}
	if err := f.fs.MkdirAll(filepath.Dir(p), f.dirMode); err != nil {
		release()
		f.logger.Error("error making path for file", "source", virtual, "err", err)
		return nil, fs2.Fault("create", virtual, err)
	}
	file, err := f.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.fileMode)
	if err != nil {
		release()
		f.logger.Error("error creating file", "source", virtual, "err", err)
		return nil, fs2.Fault("create", virtual, err)
	}
	return &lockedFile{File: file, release: release}, nil
}

// Remove deletes a file. Directories are refused.
func (f *Afos) Remove(virtual string) error {
	if err := f.writable("delete", virtual); err != nil {
		return err
	}
	if err := f.can("delete", virtual, fs2.Delete); err != nil {
		return err
	}
	p, err := f.Resolve(virtual)
	if err != nil {
		return err
	}
	info, err := f.lstat(p)
	if err != nil {
		return fs2.Fault("delete", virtual, err)
	}
	if info.IsDir() {
		return errs.New(errs.InvalidArguments, "is a directory, use RMDIR").WithPath("delete", virtual)
	}
	if f.locks.Held(p) {
		return errs.New(errs.Busy, "file is being written").WithPath("delete", virtual)
	}
	if err := f.fs.Remove(p); err != nil {
		if !os.IsNotExist(err) {
			f.logger.Error("failed to remove a file", "source", virtual, "err", err)
		}
		return fs2.Fault("delete", virtual, err)
	}
	return nil
}

// Mkdir creates a directory and any missing parents.
func (f *Afos) Mkdir(virtual string) error {
	if err := f.writable("mkdir", virtual); err != nil {
		return err
	}
	if err := f.can("mkdir", virtual, fs2.Create); err != nil {
		return err
	}
	p, err := f.Resolve(virtual)
	if err != nil {
		return err
	}
	if info, err := f.fs.Stat(p); err == nil && !info.IsDir() {
		return errs.New(errs.InvalidArguments, "a file with that name exists").WithPath("mkdir", virtual)
	}
	if err := f.fs.MkdirAll(p, f.dirMode); err != nil {
		f.logger.Error("failed to create directory", "source", virtual, "err", err)
		return fs2.Fault("mkdir", virtual, err)
	}
	return nil
}

// Rmdir removes a directory and everything below it. Files and the sandbox
// root are refused.
func (f *Afos) Rmdir(virtual string) error {
	if err := f.writable("rmdir", virtual); err != nil {
		return err
	}
	if err := f.can("rmdir", virtual, fs2.Delete); err != nil {
		return err
	}
	p, err := f.Resolve(virtual)
	if err != nil {
		return err
	}
	if f.resolver.IsRoot(p) {
		return errs.New(errs.PermissionDenied, "cannot remove the root directory").WithPath("rmdir", virtual)
	}
	info, err := f.lstat(p)
	if err != nil {
		return fs2.Fault("rmdir", virtual, err)
	}
	if !info.IsDir() {
		return errs.New(errs.InvalidArguments, "not a directory, use DELETE").WithPath("rmdir", virtual)
	}
	if f.locks.Held(p) {
		return errs.New(errs.Busy, "a file below is being written").WithPath("rmdir", virtual)
	}
	if err := f.fs.RemoveAll(p); err != nil {
		f.logger.Error("failed to remove directory", "source", virtual, "err", err)
		return fs2.Fault("rmdir", virtual, err)
	}
	return nil
}

// destination resolves dst for a move or copy of src. An existing directory
// receives the source inside it.
func (f *Afos) destination(op, src, dst, srcPath string) (string, error) {
	dstPath, err := f.Resolve(dst)
	if err != nil {
		return "", err
	}
	if info, err := f.fs.Stat(dstPath); err == nil && info.IsDir() {
		dstPath, err = f.Resolve(sandbox.Join(f.Virtual(dstPath), filepath.Base(srcPath)))
		if err != nil {
			return "", err
		}
	}
	if dstPath == srcPath {
		return "", errs.New(errs.InvalidArguments, "source and destination are the same").WithPath(op, src)
	}
	if within(srcPath, dstPath) {
		return "", errs.New(errs.InvalidArguments, "cannot %s a directory into itself", op).WithPath(op, src)
	}
	if f.locks.Held(dstPath) {
		return "", errs.New(errs.Busy, "destination is being written").WithPath(op, dst)
	}
	return dstPath, nil
}

// Rename moves src to dst inside the sandbox.
func (f *Afos) Rename(src, dst string) error {
	if err := f.writable("move", src); err != nil {
		return err
	}
	if err := f.can("move", src, fs2.Update); err != nil {
		return err
	}
	srcPath, err := f.Resolve(src)
	if err != nil {
		return err
	}
	if f.resolver.IsRoot(srcPath) {
		return errs.New(errs.PermissionDenied, "cannot move the root directory").WithPath("move", src)
	}
	if _, err := f.lstat(srcPath); err != nil {
		return fs2.Fault("move", src, err)
	}
	if f.locks.Held(srcPath) {
		return errs.New(errs.Busy, "source is being written").WithPath("move", src)
	}
	dstPath, err := f.destination("move", src, dst, srcPath)
	if err != nil {
		return err
	}
	if err := f.fs.MkdirAll(filepath.Dir(dstPath), f.dirMode); err != nil {
		return fs2.Fault("move", dst, err)
	}
	if err := f.fs.Rename(srcPath, dstPath); err != nil {
		f.logger.Error("failed to rename file", "source", src, "target", dst, "err", err)
		return fs2.Fault("move", src, err)
	}
	return nil
}

// Copy duplicates a file or a directory tree inside the sandbox. Symbolic
// links in the source are refused.
func (f *Afos) Copy(src, dst string) error {
	if err := f.writable("copy", src); err != nil {
		return err
	}
	if err := f.can("copy", src, fs2.ReadContent); err != nil {
		return err
	}
	if err := f.can("copy", dst, fs2.Create); err != nil {
		return err
	}
	srcPath, err := f.Resolve(src)
	if err != nil {
		return err
	}
	info, err := f.lstat(srcPath)
	if err != nil {
		return fs2.Fault("copy", src, err)
	}
	dstPath, err := f.destination("copy", src, dst, srcPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return f.copyTree(src, srcPath, dstPath)
	}
	if !info.Mode().IsRegular() {
		return errs.New(errs.InvalidArguments, "not a regular file").WithPath("copy", src)
	}
	if err := f.fs.MkdirAll(filepath.Dir(dstPath), f.dirMode); err != nil {
		return fs2.Fault("copy", dst, err)
	}
	return f.copyFile(src, srcPath, dstPath, info.Mode().Perm())
}

func (f *Afos) copyTree(src, srcPath, dstPath string) error {
	if _, err := f.fs.Stat(dstPath); err == nil {
		return errs.New(errs.InvalidArguments, "destination already exists").WithPath("copy", f.Virtual(dstPath))
	}
	return afero.Walk(f.fs, srcPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return fs2.Fault("copy", f.Virtual(p), err)
		}
		rel, err := filepath.Rel(srcPath, p)
		if err != nil {
			return fs2.Fault("copy", src, err)
		}
		target := filepath.Join(dstPath, rel)
		linfo, err := f.lstat(p)
		if err != nil {
			return fs2.Fault("copy", f.Virtual(p), err)
		}
		switch {
		case linfo.Mode()&os.ModeSymlink != 0:
			return errs.New(errs.InvalidArguments, "refusing to copy a symbolic link").WithPath("copy", f.Virtual(p))
		case linfo.IsDir():
			if err := f.fs.MkdirAll(target, f.dirMode); err != nil {
				return fs2.Fault("copy", f.Virtual(target), err)
			}
			return nil
		case linfo.Mode().IsRegular():
			return f.copyFile(f.Virtual(p), p, target, linfo.Mode().Perm())
		default:
			return errs.New(errs.InvalidArguments, "not a regular file").WithPath("copy", f.Virtual(p))
		}
	})
}

func (f *Afos) copyFile(src, srcPath, dstPath string, mode os.FileMode) error {
	release, err := f.locks.TryLock(dstPath)
	if err != nil {
		return err
	}
	defer release()
	in, err := f.fs.Open(srcPath)
	if err != nil {
		return fs2.Fault("copy", src, err)
	}
	defer in.Close()
	out, err := f.fs.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fs2.Fault("copy", f.Virtual(dstPath), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fs2.Fault("copy", src, err)
	}
	if err := out.Close(); err != nil {
		return fs2.Fault("copy", f.Virtual(dstPath), err)
	}
	return nil
}

func (f *Afos) lstat(p string) (os.FileInfo, error) {
	if l, ok := f.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(p)
		return info, err
	}
	return f.fs.Stat(p)
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type lockedFile struct {
	afero.File
	release func()
}

func (l *lockedFile) Close() error {
	defer l.release()
	return l.File.Close()
}
