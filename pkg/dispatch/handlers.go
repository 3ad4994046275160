package dispatch

import (
	"context"
	"io"
	"os"

	"github.com/oarkflow/minidrive/pkg/command"
	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/metrics"
	"github.com/oarkflow/minidrive/pkg/sandbox"
	"github.com/oarkflow/minidrive/pkg/transfer"
)

// Mirror receives every completed upload. physical is a private copy of the
// uploaded bytes that stays unchanged for the duration of the call.
type Mirror interface {
	Mirror(ctx context.Context, username, virtual, physical string) error
}

// Deps are the collaborators of the default handlers.
type Deps struct {
	Transfer *transfer.Engine
	Mirror   Mirror
	Metrics  metrics.Metrics
}

// DefaultRegistry returns a handler for every wire command.
func DefaultRegistry(d Deps) Registry {
	if d.Transfer == nil {
		d.Transfer = transfer.New(0)
	}
	d.Metrics = metrics.OrNop(d.Metrics)
	h := &handlers{Deps: d}
	return Registry{
		command.List:     h.list,
		command.Upload:   h.upload,
		command.Download: h.download,
		command.Delete:   h.delete,
		command.Cd:       h.cd,
		command.Mkdir:    h.mkdir,
		command.Rmdir:    h.rmdir,
		command.Move:     h.move,
		command.Copy:     h.copy,
	}
}

type handlers struct {
	Deps
}

// listing is the data of a LIST response.
type listing struct {
	Path    string     `json:"path"`
	Entries []fs.Entry `json:"entries"`
}

func virtual(s Session, p string) string {
	return sandbox.Join(s.Cwd(), p)
}

// display returns the clean virtual form of v for responses.
func display(s Session, v string) string {
	p, err := s.FS().Resolve(v)
	if err != nil {
		return v
	}
	return s.FS().Virtual(p)
}

func (h *handlers) list(_ context.Context, s Session, cmd command.Command) (command.Response, error) {
	v := virtual(s, cmd.Arg("path"))
	infos, err := s.FS().List(v)
	if err != nil {
		return command.Response{}, err
	}
	return command.Success("listed", listing{Path: display(s, v), Entries: fs.Entries(infos)}), nil
}

func (h *handlers) upload(ctx context.Context, s Session, cmd command.Command) (command.Response, error) {
	v := virtual(s, cmd.Arg("filename"))
	up := &transfer.Upload{}
	var snapshot string
	if h.Mirror != nil {
		up.Finish = func() {
			var err error
			if snapshot, err = snapshotFile(s.FS(), v); err != nil {
				s.Logger().Warn("mirror snapshot failed", "path", v, "err", err)
			}
		}
	}
	res, err := h.Transfer.Receive(s.Codec(), s.FS(), v, up)
	h.Metrics.BytesTransferred(metrics.DirectionUpload, up.Written)
	if err != nil {
		if snapshot != "" {
			os.Remove(snapshot)
		}
		s.Logger().Debug("upload failed", "path", v, "state", up.State.String(), "written", up.Written, "err", err)
		return command.Response{}, err
	}
	res.Path = display(s, v)
	s.Logger().Info("upload complete", "path", res.Path, "size", res.Size)
	if snapshot != "" {
		user, path := s.Username(), res.Path
		go func() {
			defer os.Remove(snapshot)
			if err := h.Mirror.Mirror(context.WithoutCancel(ctx), user, path, snapshot); err != nil {
				s.Logger().Warn("mirror failed", "path", path, "err", err)
			}
		}()
	}
	return command.Success("upload complete", res), nil
}

// snapshotFile copies the file at v to a private temporary file so the
// mirror sees exactly the bytes of this upload.
func snapshotFile(fsys fs.FS, v string) (string, error) {
	physical, err := fsys.Resolve(v)
	if err != nil {
		return "", err
	}
	src, err := os.Open(physical)
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst, err := os.CreateTemp("", "minidrive-mirror-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (h *handlers) download(_ context.Context, s Session, cmd command.Command) (command.Response, error) {
	v := virtual(s, cmd.Arg("remote_path"))
	res, err := h.Transfer.Send(s.Codec(), s.FS(), v)
	if err != nil {
		return command.Response{}, err
	}
	h.Metrics.BytesTransferred(metrics.DirectionDownload, res.Size)
	res.Path = display(s, v)
	return command.Success("download complete", res), nil
}

func (h *handlers) delete(_ context.Context, s Session, cmd command.Command) (command.Response, error) {
	v := virtual(s, cmd.Arg("path"))
	path := display(s, v)
	if err := s.FS().Remove(v); err != nil {
		return command.Response{}, err
	}
	return command.Success("deleted", map[string]string{"path": path}), nil
}

func (h *handlers) cd(_ context.Context, s Session, cmd command.Command) (command.Response, error) {
	v := virtual(s, cmd.Arg("path"))
	info, err := s.FS().Stat(v)
	if err != nil {
		return command.Response{}, err
	}
	if !info.IsDir() {
		return command.Response{}, errs.New(errs.InvalidArguments, "not a directory").WithPath("cd", v)
	}
	s.SetCwd(display(s, v))
	return command.Success("directory changed", map[string]string{"cwd": s.Cwd()}), nil
}

func (h *handlers) mkdir(_ context.Context, s Session, cmd command.Command) (command.Response, error) {
	v := virtual(s, cmd.Arg("path"))
	if err := s.FS().Mkdir(v); err != nil {
		return command.Response{}, err
	}
	return command.Success("directory created", map[string]string{"path": display(s, v)}), nil
}

func (h *handlers) rmdir(_ context.Context, s Session, cmd command.Command) (command.Response, error) {
	v := virtual(s, cmd.Arg("path"))
	path := display(s, v)
	if err := s.FS().Rmdir(v); err != nil {
		return command.Response{}, err
	}
	if inside(s.Cwd(), path) {
		s.SetCwd("/")
	}
	return command.Success("directory removed", map[string]string{"path": path, "cwd": s.Cwd()}), nil
}

func (h *handlers) move(_ context.Context, s Session, cmd command.Command) (command.Response, error) {
	src, dst := virtual(s, cmd.Arg("src")), virtual(s, cmd.Arg("dst"))
	srcPath := display(s, src)
	if err := s.FS().Rename(src, dst); err != nil {
		return command.Response{}, err
	}
	if inside(s.Cwd(), srcPath) {
		s.SetCwd("/")
	}
	return command.Success("moved", map[string]string{"src": srcPath, "dst": display(s, dst), "cwd": s.Cwd()}), nil
}

func (h *handlers) copy(_ context.Context, s Session, cmd command.Command) (command.Response, error) {
	src, dst := virtual(s, cmd.Arg("src")), virtual(s, cmd.Arg("dst"))
	if err := s.FS().Copy(src, dst); err != nil {
		return command.Response{}, err
	}
	return command.Success("copied", map[string]string{"src": display(s, src), "dst": display(s, dst)}), nil
}

// inside reports whether cwd is dir or below it.
func inside(cwd, dir string) bool {
	if dir == "/" {
		return false
	}
	return cwd == dir || len(cwd) > len(dir) && cwd[:len(dir)] == dir && cwd[len(dir)] == '/'
}
