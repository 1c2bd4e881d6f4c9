package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikeniborn/vpn-sub000/pkg/configstore"
	"github.com/ikeniborn/vpn-sub000/pkg/lifecycle"
	"github.com/ikeniborn/vpn-sub000/pkg/netalloc"
	"github.com/ikeniborn/vpn-sub000/pkg/registry"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

type fakeManager struct {
	calls []string
}

func (f *fakeManager) Start(ctx context.Context, instanceDir string) error {
	f.calls = append(f.calls, "start")
	return nil
}

func (f *fakeManager) Stop(ctx context.Context, instanceDir string) error {
	f.calls = append(f.calls, "stop")
	return nil
}

func (f *fakeManager) Restart(ctx context.Context, instanceDir string) error {
	f.calls = append(f.calls, "restart")
	return nil
}

func (f *fakeManager) Running(ctx context.Context, instanceDir string) (bool, error) {
	return true, nil
}

func (f *fakeManager) WaitInstanceHealthy(ctx context.Context, instanceDir string, timeout, poll time.Duration) (types.HealthProbeResult, error) {
	return types.HealthProbeResult{Timestamp: time.Now(), Reachable: true, ProcessReady: true}, nil
}

func quietFirewall() *netalloc.FirewallReconciler {
	return netalloc.NewFirewallReconcilerWithRunner(func(args ...string) (string, error) {
		if args[0] == "-C" {
			return "", errors.New("no such rule")
		}
		if args[0] == "-S" {
			return "-P INPUT ACCEPT\n", nil
		}
		return "", nil
	})
}

func newTestEngine(t *testing.T) (*Engine, *fakeManager, ServerContext) {
	t.Helper()
	dataDir := t.TempDir()
	sctx := NewServerContext(dataDir, "203.0.113.10", types.ProtocolVLESS)

	reg, err := registry.Open(sctx.DBPath(), sctx.UsersDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	cm := &fakeManager{}
	e := New(sctx, reg, cm).
		WithAllocator(netalloc.NewAllocator().WithProbe(func(int) bool { return true })).
		WithFirewall(quietFirewall())
	return e, cm, sctx
}

func mustExecute(t *testing.T, e *Engine, req *Request) *Response {
	t.Helper()
	resp, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func TestInstall(t *testing.T) {
	e, cm, sctx := newTestEngine(t)

	resp := mustExecute(t, e, &Request{Command: CmdInstall})
	assert.Contains(t, resp.Message, "installed vless")
	assert.True(t, resp.Probe.Healthy())
	assert.Contains(t, cm.calls, "start")

	// Document, caches and descriptor all exist and agree on the port.
	doc, err := configstore.Load(configstore.DocumentPath(sctx.InstanceDir))
	require.NoError(t, err)
	assert.True(t, doc.Primary().RealityEnabled())

	port, err := configstore.ReadCachedPort(sctx.CacheDir)
	require.NoError(t, err)
	assert.Equal(t, doc.Primary().Port, port)

	d, err := lifecycle.LoadDescriptor(sctx.InstanceDir)
	require.NoError(t, err)
	assert.Equal(t, port, d.Port)
}

func TestInstall_Twice(t *testing.T) {
	e, _, _ := newTestEngine(t)

	mustExecute(t, e, &Request{Command: CmdInstall})
	_, err := e.Execute(context.Background(), &Request{Command: CmdInstall})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already installed")
}

func TestUserAddThenList(t *testing.T) {
	e, cm, _ := newTestEngine(t)
	mustExecute(t, e, &Request{Command: CmdInstall})

	resp := mustExecute(t, e, &Request{Command: CmdUserAdd, UserName: "bob"})
	require.NotNil(t, resp.User)
	assert.Equal(t, "bob", resp.User.Name)
	assert.Contains(t, resp.User.URI, "vless://")
	assert.Contains(t, resp.User.URI, "#bob")
	assert.Contains(t, cm.calls, "restart")

	list := mustExecute(t, e, &Request{Command: CmdUserList})
	require.Len(t, list.Users, 1)
	assert.Equal(t, "bob", list.Users[0].Name)
}

func TestUserAdd_Duplicate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustExecute(t, e, &Request{Command: CmdInstall})
	mustExecute(t, e, &Request{Command: CmdUserAdd, UserName: "bob"})

	_, err := e.Execute(context.Background(), &Request{Command: CmdUserAdd, UserName: "bob"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDuplicateName))
}

func TestUserDelete_RequiresConfirm(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustExecute(t, e, &Request{Command: CmdInstall})
	mustExecute(t, e, &Request{Command: CmdUserAdd, UserName: "bob"})

	_, err := e.Execute(context.Background(), &Request{Command: CmdUserDelete, UserName: "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires confirmation")

	mustExecute(t, e, &Request{Command: CmdUserDelete, UserName: "bob", Confirm: true})
	list := mustExecute(t, e, &Request{Command: CmdUserList})
	assert.Empty(t, list.Users)

	// The client entry is gone from the document too.
	doc, err := configstore.Load(configstore.DocumentPath(e.sctx.InstanceDir))
	require.NoError(t, err)
	assert.Nil(t, doc.Primary().FindClient("bob"))
}

func TestUserRename_IssuesFreshCredential(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustExecute(t, e, &Request{Command: CmdInstall})
	added := mustExecute(t, e, &Request{Command: CmdUserAdd, UserName: "bob"})

	renamed := mustExecute(t, e, &Request{Command: CmdUserRename, UserName: "bob", NewName: "robert"})
	require.NotNil(t, renamed.User)
	assert.Equal(t, "robert", renamed.User.Name)
	assert.NotEqual(t, added.User.UUID, renamed.User.UUID)
	assert.Contains(t, renamed.User.URI, "#robert")

	_, err := e.Execute(context.Background(), &Request{Command: CmdUserShow, UserName: "bob"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRotateKeys(t *testing.T) {
	e, _, sctx := newTestEngine(t)
	mustExecute(t, e, &Request{Command: CmdInstall})
	mustExecute(t, e, &Request{Command: CmdUserAdd, UserName: "bob"})

	before, err := configstore.ReadCache(sctx.CacheDir, configstore.CachePublicKey)
	require.NoError(t, err)

	resp := mustExecute(t, e, &Request{Command: CmdRotateKeys, Confirm: true})
	require.NotNil(t, resp.Rotation)
	assert.Equal(t, []string{"bob"}, resp.Rotation.UpdatedUsers)

	after, err := configstore.ReadCache(sctx.CacheDir, configstore.CachePublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	show := mustExecute(t, e, &Request{Command: CmdUserShow, UserName: "bob"})
	assert.Contains(t, show.User.URI, "pbk="+after)
}

func TestStatus(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustExecute(t, e, &Request{Command: CmdInstall})
	mustExecute(t, e, &Request{Command: CmdUserAdd, UserName: "bob"})

	resp := mustExecute(t, e, &Request{Command: CmdStatus})
	assert.True(t, resp.Running)
	assert.Len(t, resp.Users, 1)
	assert.Contains(t, resp.Message, "running")
	assert.Contains(t, resp.Message, "1 users")
}

func TestDiagnose_HealsMissingRecord(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustExecute(t, e, &Request{Command: CmdInstall})
	mustExecute(t, e, &Request{Command: CmdUserAdd, UserName: "bob"})

	// Lose bob's record while the document still authorizes him.
	require.NoError(t, e.reg.Delete(types.ProtocolVLESS, "bob"))

	resp := mustExecute(t, e, &Request{Command: CmdDiagnose})
	require.NotEmpty(t, resp.Discrepancies)
	require.NotNil(t, resp.Heal)
	assert.Equal(t, []string{"bob"}, resp.Heal.Created)

	show := mustExecute(t, e, &Request{Command: CmdUserShow, UserName: "bob"})
	assert.Contains(t, show.User.URI, "#bob")
}

func TestUninstall(t *testing.T) {
	e, cm, sctx := newTestEngine(t)
	mustExecute(t, e, &Request{Command: CmdInstall})
	mustExecute(t, e, &Request{Command: CmdUserAdd, UserName: "bob"})

	mustExecute(t, e, &Request{Command: CmdUninstall, Confirm: true})
	assert.Contains(t, cm.calls, "stop")
	assert.NoFileExists(t, configstore.DocumentPath(sctx.InstanceDir))

	list, err := e.reg.List(types.ProtocolVLESS)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUnknownCommand(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Execute(context.Background(), &Request{Command: Command("frobnicate")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestServerContextLayout(t *testing.T) {
	sctx := NewServerContext("/opt/vpnadm", "203.0.113.10", types.ProtocolShadowsocks)
	assert.Equal(t, filepath.Join("/opt/vpnadm", "instances", "shadowsocks"), sctx.InstanceDir)
	assert.Equal(t, filepath.Join(sctx.InstanceDir, "cache"), sctx.CacheDir)
	assert.Equal(t, filepath.Join("/opt/vpnadm", "users"), sctx.UsersDir)
	assert.Equal(t, filepath.Join("/opt/vpnadm", "users.db"), sctx.DBPath())
}
