package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo(dir string) Info {
	return Info{
		Pid:        4321,
		DataDir:    dir,
		StartTime:  1700000000,
		Port:       5432,
		SocketDir:  "/tmp",
		ListenAddr: "127.0.0.1",
		SegmentKey: 77,
		Status:     StatusStarting,
	}
}

func TestCreateWritesEightLines(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)
	defer pf.Remove()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	got, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, testInfo(dir), got)

	st, err := os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())
}

func TestCreateRefusesLockedDirectory(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)
	defer pf.Remove()

	_, err = Create(dir, testInfo(dir))
	assert.ErrorIs(t, err, ErrExists)
}

func TestSetStatusRewritesStatusLine(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)
	defer pf.Remove()

	// ready is shorter than starting and stopping is longer than ready,
	// so both truncate directions of the in-place write are exercised.
	for _, s := range []Status{StatusReady, StatusStopping, StatusReady} {
		require.NoError(t, pf.SetStatus(s))
		got, err := Read(dir)
		require.NoError(t, err)
		assert.Equal(t, s, got.Status)
		assert.Equal(t, 4321, got.Pid, "other lines untouched")
	}
}

func TestRecheckAcceptsOwnFile(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)
	defer pf.Remove()

	assert.NoError(t, pf.Recheck())
}

func TestRecheckDetectsRemoval(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)
	defer pf.f.Close()

	require.NoError(t, os.Remove(pf.Path()))
	assert.ErrorIs(t, pf.Recheck(), ErrTampered)
}

func TestRecheckDetectsForeignContent(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)
	defer pf.Remove()

	other := testInfo(dir)
	other.Pid = 9999
	require.NoError(t, os.WriteFile(pf.Path(), []byte(other.encode()), 0600))

	assert.ErrorIs(t, pf.Recheck(), ErrTampered)
}

func TestRecheckDetectsGarbage(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)
	defer pf.Remove()

	require.NoError(t, os.WriteFile(pf.Path(), []byte("not a pidfile\n"), 0600))
	assert.ErrorIs(t, pf.Recheck(), ErrTampered)
}

func TestRemoveUnlinks(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)

	pf.Remove()
	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(err))
}

func TestReadWithoutLock(t *testing.T) {
	dir := t.TempDir()
	pf, err := Create(dir, testInfo(dir))
	require.NoError(t, err)
	defer pf.Remove()

	got, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, testInfo(dir), got)
}

func TestReadMissing(t *testing.T) {
	_, err := Read(t.TempDir())
	assert.Error(t, err)
}

func TestDecodeRejectsWrongLineCount(t *testing.T) {
	_, err := decode([]byte("1\n2\n3\n"))
	assert.Error(t, err)
}

func TestDecodeRejectsBadNumbers(t *testing.T) {
	bad := testInfo("/x").encode()
	bad = "zzz" + bad[1:]
	_, err := decode([]byte(bad))
	assert.Error(t, err)
}
