package minidrive

import (
	"os"
	"time"

	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/log"
)

// FS decorates a user's fs.FS so that every mutating operation, from either
// front end, is logged and handed to the notification callback.
type FS struct {
	fs       fs.FS
	callback NotificationHandler
}

func NewFS(fs fs.FS, callback NotificationHandler) fs.FS {
	return &FS{fs: fs, callback: callback}
}

func (f *FS) SetContext(ctx map[string]string) {
	f.fs.SetContext(ctx)
}

func (f *FS) Context() map[string]string {
	return f.fs.Context()
}

type Notification struct {
	User       string    `json:"user"`
	Session    string    `json:"session"`
	Frontend   string    `json:"frontend"`
	FsType     string    `json:"fs_type"`
	RemoteAddr string    `json:"remote_addr"`
	Time       time.Time `json:"time"`
	Event      string    `json:"event"`
	Subject    string    `json:"subject"`
	Target     string    `json:"target"`
	Error      error     `json:"error"`
}

func (f *FS) Notify(event, subject, target string, err error) {
	notification := Notification{Time: time.Now().UTC(), FsType: f.Type()}
	keyvals := []any{"fs_type", f.Type()}
	for key, val := range f.fs.Context() {
		switch key {
		case "user":
			notification.User = val
		case "session":
			notification.Session = val
		case "frontend":
			notification.Frontend = val
		case "remote_addr":
			notification.RemoteAddr = val
		}
		keyvals = append(keyvals, key, val)
	}
	notification.Event = event
	notification.Subject = subject
	keyvals = append(keyvals, "event", event, "subject", subject)
	notification.Target = target
	if target != "" {
		keyvals = append(keyvals, "target", target)
	}
	if err != nil {
		keyvals = append(keyvals, "error", err)
		notification.Error = err
		f.fs.Logger().Error("Filesystem Event Triggered", keyvals...)
	} else {
		f.fs.Logger().Info("Filesystem Event Triggered", keyvals...)
	}
	if f.callback != nil {
		f.callback(notification)
	}
}

func (f *FS) Resolve(virtual string) (string, error) {
	return f.fs.Resolve(virtual)
}

func (f *FS) Virtual(physical string) string {
	return f.fs.Virtual(physical)
}

func (f *FS) Stat(virtual string) (os.FileInfo, error) {
	return f.fs.Stat(virtual)
}

func (f *FS) List(virtual string) ([]os.FileInfo, error) {
	return f.fs.List(virtual)
}

func (f *FS) Open(virtual string) (file fs.File, err error) {
	defer func() {
		f.Notify("Get", virtual, "", err)
	}()
	return f.fs.Open(virtual)
}

func (f *FS) Create(virtual string) (file fs.File, err error) {
	defer func() {
		f.Notify("Put", virtual, "", err)
	}()
	return f.fs.Create(virtual)
}

func (f *FS) Remove(virtual string) (err error) {
	defer func() {
		f.Notify("Remove", virtual, "", err)
	}()
	return f.fs.Remove(virtual)
}

func (f *FS) Mkdir(virtual string) (err error) {
	defer func() {
		f.Notify("Mkdir", virtual, "", err)
	}()
	return f.fs.Mkdir(virtual)
}

func (f *FS) Rmdir(virtual string) (err error) {
	defer func() {
		f.Notify("Rmdir", virtual, "", err)
	}()
	return f.fs.Rmdir(virtual)
}

func (f *FS) Rename(src, dst string) (err error) {
	defer func() {
		f.Notify("Rename", src, dst, err)
	}()
	return f.fs.Rename(src, dst)
}

func (f *FS) Copy(src, dst string) (err error) {
	defer func() {
		f.Notify("Copy", src, dst, err)
	}()
	return f.fs.Copy(src, dst)
}

func (f *FS) SetLogger(logger log.Logger) {
	f.fs.SetLogger(logger)
}

func (f *FS) Logger() log.Logger {
	return f.fs.Logger()
}

func (f *FS) SetPermissions(p []string) {
	f.fs.SetPermissions(p)
}

func (f *FS) Permissions() []string {
	return f.fs.Permissions()
}

func (f *FS) Type() string {
	return f.fs.Type()
}
