package dispatch

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/dirsync/internal/server/metrics"
	"github.com/openmined/dirsync/internal/server/session"
	"github.com/openmined/dirsync/internal/syncmsg"
	"github.com/openmined/dirsync/internal/syncproto"
	"github.com/openmined/dirsync/internal/synctree"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	reg  *session.Registry
	disp *Dispatcher
	id   syncmsg.Identifier
	root string
}

func setup(t *testing.T, peers ...string) *fixture {
	t.Helper()
	reg := session.NewRegistry(t.TempDir())
	id, err := reg.CreateGroup()
	require.NoError(t, err)
	for _, p := range peers {
		reg.RegisterPeer(id, p)
	}
	return &fixture{
		reg:  reg,
		disp: New(reg, nil),
		id:   id,
		root: reg.GroupRoot(id),
	}
}

func (f *fixture) apply(t *testing.T, origin string, c *syncmsg.Change) Outcome {
	t.Helper()
	outcome, err := f.disp.Apply(t.Context(), f.id, origin, c)
	require.NoError(t, err)
	return outcome
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestCreateFileEchoesToOtherPeersOnly(t *testing.T) {
	f := setup(t, "A", "B", "C")

	outcome := f.apply(t, "A", syncmsg.NewCreate("x.txt", false, []byte("hi")))
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, "hi", f.read(t, "x.txt"))

	assert.Empty(t, f.reg.Drain(f.id, "A"))
	for _, peer := range []string{"B", "C"} {
		got := f.reg.Drain(f.id, peer)
		require.Len(t, got, 1, peer)
		assert.Equal(t, syncmsg.CmdCreate, got[0].Command)
		assert.Equal(t, "x.txt", got[0].Path)
		assert.Equal(t, []byte("hi"), got[0].Content)
	}
}

func TestCreateIdenticalContentIsSuppressed(t *testing.T) {
	f := setup(t, "A", "B")

	assert.Equal(t, Applied, f.apply(t, "A", syncmsg.NewCreate("x.txt", false, []byte("hi"))))
	assert.Equal(t, Suppressed, f.apply(t, "A", syncmsg.NewCreate("x.txt", false, []byte("hi"))))
	assert.Equal(t, Suppressed, f.apply(t, "B", syncmsg.NewModify("x.txt", []byte("hi"))))

	assert.Len(t, f.reg.Drain(f.id, "B"), 1)
	assert.Empty(t, f.reg.Drain(f.id, "A"))
}

func TestCreateExistingDirectoryIsSuppressed(t *testing.T) {
	f := setup(t, "A", "B")

	assert.Equal(t, Applied, f.apply(t, "A", syncmsg.NewCreate("d/e", true, nil)))
	assert.Equal(t, Suppressed, f.apply(t, "B", syncmsg.NewCreate("d/e", true, nil)))

	info, err := os.Stat(filepath.Join(f.root, "d", "e"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	got := f.reg.Drain(f.id, "B")
	require.Len(t, got, 1)
	assert.True(t, got[0].IsDir)
	assert.Empty(t, f.reg.Drain(f.id, "A"))
}

func TestModifyCreatesParents(t *testing.T) {
	f := setup(t, "A", "B")

	assert.Equal(t, Applied, f.apply(t, "A", syncmsg.NewModify("deep/er/f.txt", []byte("v2"))))
	assert.Equal(t, "v2", f.read(t, "deep/er/f.txt"))

	got := f.reg.Drain(f.id, "B")
	require.Len(t, got, 1)
	assert.Equal(t, syncmsg.CmdModify, got[0].Command)
}

func TestDeleteAbsentIsSuppressed(t *testing.T) {
	f := setup(t, "A", "B")

	assert.Equal(t, Suppressed, f.apply(t, "A", syncmsg.NewDelete("nope", false)))
	assert.Empty(t, f.reg.Drain(f.id, "B"))
}

func TestDeleteDirectoryRecursively(t *testing.T) {
	f := setup(t, "A", "B")
	f.apply(t, "A", syncmsg.NewCreate("d/x.txt", false, []byte("1")))
	f.apply(t, "A", syncmsg.NewCreate("d/sub/y.txt", false, []byte("2")))
	f.reg.Drain(f.id, "B")

	assert.Equal(t, Applied, f.apply(t, "A", syncmsg.NewDelete("d", true)))
	assert.NoDirExists(t, filepath.Join(f.root, "d"))

	got := f.reg.Drain(f.id, "B")
	require.Len(t, got, 1)
	assert.Equal(t, syncmsg.CmdDelete, got[0].Command)
	assert.True(t, got[0].IsDir)
}

func TestMoveFile(t *testing.T) {
	f := setup(t, "A", "B")
	f.apply(t, "A", syncmsg.NewCreate("a.txt", false, []byte("1")))
	f.apply(t, "A", syncmsg.NewCreate("b.txt", false, []byte("old")))
	f.reg.Drain(f.id, "B")

	assert.Equal(t, Applied, f.apply(t, "A", syncmsg.NewMove("a.txt", "b.txt", false)))
	assert.NoFileExists(t, filepath.Join(f.root, "a.txt"))
	assert.Equal(t, "1", f.read(t, "b.txt"))

	got := f.reg.Drain(f.id, "B")
	require.Len(t, got, 1)
	assert.Equal(t, "a.txt", got[0].Path)
	assert.Equal(t, "b.txt", got[0].Dest)
}

func TestMoveMissingSourceIsSuppressed(t *testing.T) {
	f := setup(t, "A", "B")

	assert.Equal(t, Suppressed, f.apply(t, "A", syncmsg.NewMove("ghost", "x", false)))
	assert.Empty(t, f.reg.Drain(f.id, "B"))
}

func TestMoveEmptyDirectoryMerges(t *testing.T) {
	f := setup(t, "A", "B")
	f.apply(t, "A", syncmsg.NewCreate("src", true, nil))
	f.apply(t, "A", syncmsg.NewCreate("dst/keep.txt", false, []byte("k")))
	f.reg.Drain(f.id, "B")

	assert.Equal(t, Applied, f.apply(t, "A", syncmsg.NewMove("src", "dst", true)))
	assert.NoDirExists(t, filepath.Join(f.root, "src"))
	assert.Equal(t, "k", f.read(t, "dst/keep.txt"))

	got := f.reg.Drain(f.id, "B")
	require.Len(t, got, 1)
	assert.Equal(t, syncmsg.CmdMove, got[0].Command)
}

func TestMoveNonEmptyDirectoryConflicts(t *testing.T) {
	f := setup(t, "A", "B")
	f.apply(t, "A", syncmsg.NewCreate("src/a.txt", false, []byte("a")))
	f.apply(t, "A", syncmsg.NewCreate("dst/b.txt", false, []byte("b")))
	f.reg.Drain(f.id, "B")

	assert.Equal(t, Conflict, f.apply(t, "A", syncmsg.NewMove("src", "dst", true)))
	assert.Equal(t, "a", f.read(t, "src/a.txt"))
	assert.Equal(t, "b", f.read(t, "dst/b.txt"))
	assert.Empty(t, f.reg.Drain(f.id, "B"))
}

func TestUnsafePathIsRejected(t *testing.T) {
	f := setup(t, "A", "B")
	outside := filepath.Join(filepath.Dir(f.root), "escaped.txt")

	for _, c := range []*syncmsg.Change{
		syncmsg.NewCreate("../escaped.txt", false, []byte("x")),
		syncmsg.NewCreate("a/../../escaped.txt", false, []byte("x")),
		syncmsg.NewCreate("/etc/passwd", false, []byte("x")),
		syncmsg.NewDelete("", false),
		syncmsg.NewMove("ok", "../escaped.txt", false),
	} {
		_, err := f.disp.Apply(t.Context(), f.id, "A", c)
		assert.ErrorIs(t, err, synctree.ErrUnsafePath, c.String())
	}

	assert.NoFileExists(t, outside)
	assert.Empty(t, f.reg.Drain(f.id, "B"))
}

func TestEchoPathIsCanonical(t *testing.T) {
	f := setup(t, "A", "B")

	f.apply(t, "A", syncmsg.NewCreate("dir/./x.txt", false, []byte("1")))

	got := f.reg.Drain(f.id, "B")
	require.Len(t, got, 1)
	assert.Equal(t, "dir/x.txt", got[0].Path)
}

func TestPullAllStream(t *testing.T) {
	f := setup(t, "A")
	f.apply(t, "A", syncmsg.NewCreate("a.txt", false, []byte("x")))
	f.apply(t, "A", syncmsg.NewCreate("dir/b.txt", false, []byte("y")))
	f.apply(t, "A", syncmsg.NewCreate("emptydir", true, nil))

	var buf bytes.Buffer
	require.NoError(t, f.disp.PullAll(t.Context(), f.id, &buf))

	got := map[string]*syncmsg.Change{}
	for {
		cmd, err := syncproto.ReadCommand(&buf)
		require.NoError(t, err)
		if cmd != syncmsg.CmdCreate {
			assert.Equal(t, syncmsg.Command(0), cmd)
			break
		}
		c, err := syncproto.ReadBody(&buf, cmd)
		require.NoError(t, err)
		got[c.Path] = c
	}
	assert.Zero(t, buf.Len())

	require.Len(t, got, 3)
	assert.Equal(t, []byte("x"), got["a.txt"].Content)
	assert.Equal(t, []byte("y"), got["dir/b.txt"].Content)
	assert.True(t, got["emptydir"].IsDir)

	assert.Zero(t, pendingOf(f.reg, f.id, "A"))
}

func TestPullAllEmptyTree(t *testing.T) {
	f := setup(t)

	var buf bytes.Buffer
	require.NoError(t, f.disp.PullAll(t.Context(), f.id, &buf))
	assert.Equal(t, []byte{0x00}, buf.Bytes())
}

func TestPullUpdatesDrainsInOrder(t *testing.T) {
	f := setup(t, "A", "B")
	f.apply(t, "A", syncmsg.NewCreate("1.txt", false, []byte("1")))
	f.apply(t, "A", syncmsg.NewModify("1.txt", []byte("2")))
	f.apply(t, "A", syncmsg.NewMove("1.txt", "2.txt", false))
	f.apply(t, "A", syncmsg.NewDelete("2.txt", false))

	var buf bytes.Buffer
	require.NoError(t, f.disp.PullUpdates(t.Context(), f.id, "B", &buf))

	n, err := syncproto.ReadCount(&buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	want := []syncmsg.Command{syncmsg.CmdCreate, syncmsg.CmdModify, syncmsg.CmdMove, syncmsg.CmdDelete}
	for _, cmd := range want {
		c, err := syncproto.ReadChange(&buf)
		require.NoError(t, err)
		assert.Equal(t, cmd, c.Command)
	}
	assert.Zero(t, buf.Len())

	buf.Reset()
	require.NoError(t, f.disp.PullUpdates(t.Context(), f.id, "B", &buf))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())
}

func TestApplyRecordsMetrics(t *testing.T) {
	reg := session.NewRegistry(t.TempDir())
	id, err := reg.CreateGroup()
	require.NoError(t, err)
	reg.RegisterPeer(id, "A")
	reg.RegisterPeer(id, "B")

	m := metrics.New(reg)
	disp := New(reg, m)

	_, err = disp.Apply(t.Context(), id, "A", syncmsg.NewCreate("x", false, []byte("1")))
	require.NoError(t, err)
	_, err = disp.Apply(t.Context(), id, "A", syncmsg.NewCreate("x", false, []byte("1")))
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(m.Gatherer(), "dirsync_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// pendingOf reads the mailbox depth of peer from the registry stats, or -1
// when peer has no mailbox in the group.
func pendingOf(reg *session.Registry, id syncmsg.Identifier, peer string) int {
	for _, g := range reg.Stats() {
		if g.Identifier != id {
			continue
		}
		for _, p := range g.Peers {
			if p.Address == peer {
				return p.Pending
			}
		}
	}
	return -1
}
