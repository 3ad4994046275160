package providers

import (
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/models"
)

var (
	DefaultPermissions = fs.All
)

// UserProvider turns a handshake username into a provisioned user.
type UserProvider interface {
	Provision(username string) (models.User, error)
	Register(user models.User)
}
