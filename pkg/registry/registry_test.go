package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

func openTestRegistry(t *testing.T, qr QRRenderer) *Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "users.db"), filepath.Join(dir, "users"), qr)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func vlessRecord(name string) *types.UserRecord {
	return &types.UserRecord{
		Name:      name,
		UUID:      "11111111-2222-4333-8444-555555555555",
		Port:      8443,
		Server:    "203.0.113.10",
		SNI:       "www.example.com",
		PublicKey: "serverPublicKey",
		ShortID:   "0123456789abcdef",
		Protocol:  types.ProtocolVLESS,
	}
}

func TestCreateAndRead(t *testing.T) {
	reg := openTestRegistry(t, nil)

	created, err := reg.Create(vlessRecord("alice"))
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Contains(t, created.URI, "vless://")
	assert.Contains(t, created.URI, "#alice")

	got, err := reg.Read(types.ProtocolVLESS, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.URI, got.URI)
	assert.Equal(t, created.UUID, got.UUID)
}

func TestCreate_DuplicateName(t *testing.T) {
	reg := openTestRegistry(t, nil)

	_, err := reg.Create(vlessRecord("alice"))
	require.NoError(t, err)

	_, err = reg.Create(vlessRecord("alice"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDuplicateName))
}

func TestNamespaceIsolation(t *testing.T) {
	reg := openTestRegistry(t, nil)

	_, err := reg.Create(vlessRecord("shared"))
	require.NoError(t, err)

	wg := vlessRecord("shared")
	wg.Protocol = types.ProtocolWireGuard
	wg.PrivateKey = "clientPriv"
	_, err = reg.Create(wg)
	require.NoError(t, err)

	vlessList, err := reg.List(types.ProtocolVLESS)
	require.NoError(t, err)
	require.Len(t, vlessList, 1)
	assert.Equal(t, types.ProtocolVLESS, vlessList[0].Protocol)

	wgList, err := reg.List(types.ProtocolWireGuard)
	require.NoError(t, err)
	require.Len(t, wgList, 1)
	assert.Equal(t, types.ProtocolWireGuard, wgList[0].Protocol)
}

func TestUpdate_RegeneratesURI(t *testing.T) {
	reg := openTestRegistry(t, nil)

	_, err := reg.Create(vlessRecord("alice"))
	require.NoError(t, err)

	updated, err := reg.Update(types.ProtocolVLESS, "alice", func(rec *types.UserRecord) error {
		rec.PublicKey = "rotatedPublicKey"
		rec.ShortID = "fedcba9876543210"
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, updated.URI, "pbk=rotatedPublicKey")
	assert.Contains(t, updated.URI, "sid=fedcba9876543210")

	// Sidecar URI file must mirror the regenerated link.
	_, uriPath, _ := reg.SidecarPaths(types.ProtocolVLESS, "alice")
	data, err := os.ReadFile(uriPath)
	require.NoError(t, err)
	assert.Equal(t, updated.URI+"\n", string(data))
}

func TestUpdate_RejectsKeyChange(t *testing.T) {
	reg := openTestRegistry(t, nil)

	_, err := reg.Create(vlessRecord("alice"))
	require.NoError(t, err)

	_, err = reg.Update(types.ProtocolVLESS, "alice", func(rec *types.UserRecord) error {
		rec.Name = "mallory"
		return nil
	})
	require.Error(t, err)
}

func TestDelete_RemovesSidecars(t *testing.T) {
	reg := openTestRegistry(t, nil)

	_, err := reg.Create(vlessRecord("alice"))
	require.NoError(t, err)

	jsonPath, uriPath, _ := reg.SidecarPaths(types.ProtocolVLESS, "alice")
	assert.FileExists(t, jsonPath)
	assert.FileExists(t, uriPath)

	require.NoError(t, reg.Delete(types.ProtocolVLESS, "alice"))
	assert.NoFileExists(t, jsonPath)
	assert.NoFileExists(t, uriPath)

	_, err = reg.Read(types.ProtocolVLESS, "alice")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	err = reg.Delete(types.ProtocolVLESS, "alice")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestList_Sorted(t *testing.T) {
	reg := openTestRegistry(t, nil)

	for _, name := range []string{"carol", "alice", "bob"} {
		_, err := reg.Create(vlessRecord(name))
		require.NoError(t, err)
	}

	list, err := reg.List(types.ProtocolVLESS)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alice", list[0].Name)
	assert.Equal(t, "bob", list[1].Name)
	assert.Equal(t, "carol", list[2].Name)
}

func TestQRRendererInvoked(t *testing.T) {
	var renderedContent, renderedPath string
	qr := RendererFunc(func(content, path string) error {
		renderedContent = content
		renderedPath = path
		return nil
	})
	reg := openTestRegistry(t, qr)

	created, err := reg.Create(vlessRecord("alice"))
	require.NoError(t, err)

	assert.Equal(t, created.URI, renderedContent)
	assert.Contains(t, renderedPath, "alice.png")
}

func TestQRRendererFailureDoesNotFailWrite(t *testing.T) {
	qr := RendererFunc(func(content, path string) error {
		return errors.New("qrencode missing")
	})
	reg := openTestRegistry(t, qr)

	_, err := reg.Create(vlessRecord("alice"))
	require.NoError(t, err)
}

func TestRehydrate(t *testing.T) {
	dir := t.TempDir()
	usersDir := filepath.Join(dir, "users")

	reg, err := Open(filepath.Join(dir, "users.db"), usersDir, nil)
	require.NoError(t, err)
	_, err = reg.Create(vlessRecord("alice"))
	require.NoError(t, err)
	_, err = reg.Create(vlessRecord("bob"))
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	// Simulate index loss; sidecars survive.
	require.NoError(t, os.Remove(filepath.Join(dir, "users.db")))

	reg2, err := Open(filepath.Join(dir, "users.db"), usersDir, nil)
	require.NoError(t, err)
	defer reg2.Close()

	restored, err := reg2.Rehydrate(types.ProtocolVLESS)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	list, err := reg2.List(types.ProtocolVLESS)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
