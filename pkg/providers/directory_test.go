package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/minidrive/pkg/errs"
	"github.com/oarkflow/minidrive/pkg/fs"
	"github.com/oarkflow/minidrive/pkg/models"
)

func TestBootstrapCreatesPublic(t *testing.T) {
	root := filepath.Join(t.TempDir(), "storage")
	p, err := NewDirectoryProvider(root)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "public"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, root, p.Root())
}

func TestProvision(t *testing.T) {
	root := t.TempDir()
	p, err := NewDirectoryProvider(root)
	require.NoError(t, err)

	u, err := p.Provision("alice")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alice"), u.Root)
	assert.Equal(t, fs.All, u.Permissions)
	_, err = os.Stat(u.Root)
	require.NoError(t, err)

	// recreated if removed behind our back
	require.NoError(t, os.RemoveAll(u.Root))
	_, err = p.Provision("alice")
	require.NoError(t, err)
	_, err = os.Stat(u.Root)
	assert.NoError(t, err)

	_, err = p.Provision("../bob")
	assert.True(t, errs.Is(err, errs.AuthenticationFailed))
	_, err = os.Stat(filepath.Join(filepath.Dir(root), "bob"))
	assert.True(t, os.IsNotExist(err))
}

func TestRegisterOverridesPermissions(t *testing.T) {
	p, err := NewDirectoryProvider(t.TempDir())
	require.NoError(t, err)
	p.Register(models.User{Username: "guest", Permissions: []string{fs.Read}})

	u, err := p.Provision("guest")
	require.NoError(t, err)
	assert.Equal(t, []string{fs.Read}, u.Permissions)
	assert.NotEmpty(t, u.Root)
}
