// Package sftpfs serves an fs.FS through github.com/pkg/sftp request handlers.
package sftpfs

import (
	"io"
	"os"

	"github.com/pkg/sftp"

	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/fs"
)

// Handler answers SFTP requests against one user's FS.
type Handler struct {
	fs fs.FS
}

func New(fsys fs.FS) *Handler {
	return &Handler{fs: fsys}
}

// Handlers returns the pkg/sftp handler set backed by h.
func (h *Handler) Handlers() sftp.Handlers {
	return sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h}
}

// Fileread opens a file for a Get request.
func (h *Handler) Fileread(request *sftp.Request) (io.ReaderAt, error) {
	file, err := h.fs.Open(request.Filepath)
	if err != nil {
		return nil, h.status(err)
	}
	return file, nil
}

// Filewrite opens a file for a Put request. The handle keeps the path
// locked until the client closes it.
func (h *Handler) Filewrite(request *sftp.Request) (io.WriterAt, error) {
	file, err := h.fs.Create(request.Filepath)
	if err != nil {
		return nil, h.status(err)
	}
	return file, nil
}

// Filecmd handles the requests that neither read nor write file contents.
func (h *Handler) Filecmd(request *sftp.Request) error {
	var err error
	switch request.Method {
	case "Setstat":
		// modes and times are managed by the server
		_, err = h.fs.Stat(request.Filepath)
	case "Rename":
		err = h.fs.Rename(request.Filepath, request.Target)
	case "Rmdir":
		err = h.fs.Rmdir(request.Filepath)
	case "Mkdir":
		err = h.fs.Mkdir(request.Filepath)
	case "Remove":
		err = h.fs.Remove(request.Filepath)
	default:
		return sftp.ErrSshFxOpUnsupported
	}
	if err != nil {
		return h.status(err)
	}
	return nil
}

// Filelist handles List and Stat. Readlink is not offered so clients never
// learn where a link points.
func (h *Handler) Filelist(request *sftp.Request) (sftp.ListerAt, error) {
	switch request.Method {
	case "List":
		files, err := h.fs.List(request.Filepath)
		if err != nil {
			return nil, h.status(err)
		}
		return fs.ListerAt(files), nil
	case "Stat":
		s, err := h.fs.Stat(request.Filepath)
		if err != nil {
			return nil, h.status(err)
		}
		return fs.ListerAt([]os.FileInfo{s}), nil
	default:
		return nil, sftp.ErrSshFxOpUnsupported
	}
}

// status maps a tagged error to the SFTP status code a client understands.
func (h *Handler) status(err error) error {
	switch errs.KindOf(err) {
	case errs.NotFound:
		return sftp.ErrSshFxNoSuchFile
	case errs.PermissionDenied, errs.PathEscape:
		return sftp.ErrSshFxPermissionDenied
	case errs.FilesystemFault:
		h.fs.Logger().Error("sftp request failed", "err", err)
		return sftp.ErrSshFxFailure
	default:
		return sftp.ErrSshFxFailure
	}
}
