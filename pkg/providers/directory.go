package providers

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/models"
)

// DirectoryProvider gives every username a directory of the same name below
// one storage root, creating it on first use.
type DirectoryProvider struct {
	root  string
	users map[string]models.User
	mu    sync.RWMutex
}

// NewDirectoryProvider creates root and the public user directory.
func NewDirectoryProvider(root string) (*DirectoryProvider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage root %q: %w", root, err)
	}
	p := &DirectoryProvider{root: abs, users: make(map[string]models.User)}
	if _, err := p.Provision(models.PublicUser); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DirectoryProvider) Root() string {
	return p.root
}

// Provision validates username and makes sure its directory exists.
func (p *DirectoryProvider) Provision(username string) (models.User, error) {
	if err := models.ValidateUsername(username); err != nil {
		return models.User{}, err
	}
	p.mu.RLock()
	user, ok := p.users[username]
	p.mu.RUnlock()
	if ok {
		if _, err := os.Stat(user.Root); err == nil {
			return user, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if user, ok = p.users[username]; !ok {
		user = models.User{Username: username, Root: filepath.Join(p.root, username)}
	}
	if user.Root == "" {
		user.Root = filepath.Join(p.root, username)
	}
	if len(user.Permissions) == 0 {
		user.Permissions = DefaultPermissions
	}
	if err := os.MkdirAll(user.Root, 0o755); err != nil {
		return models.User{}, errs.Wrap(errs.FilesystemFault, err, "could not create user directory").WithPath("provision", username)
	}
	p.users[username] = user
	return user, nil
}

// Register overrides the defaults for one user, for example to restrict
// permissions.
func (p *DirectoryProvider) Register(user models.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[user.Username] = user
}
