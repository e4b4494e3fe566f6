package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	opts := &options{}
	root := newRootCmd("test", opts)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestApplySetsRejectsMalformed(t *testing.T) {
	assert.Error(t, applySets([]string{"noequals"}))
	assert.Error(t, applySets([]string{"=value"}))
}

func TestApplySetsExportsEnv(t *testing.T) {
	t.Setenv("PGBOSS_MAX_SESSIONS", "")
	require.NoError(t, applySets([]string{"max_sessions=12"}))
	assert.Equal(t, "12", os.Getenv("PGBOSS_MAX_SESSIONS"))

	t.Setenv("PGBOSS_LOCALE__COLLATE", "")
	require.NoError(t, applySets([]string{"locale.collate=C"}))
	assert.Equal(t, "C", os.Getenv("PGBOSS_LOCALE__COLLATE"))
}

func TestPrintConfigVariable(t *testing.T) {
	t.Setenv("PGBOSS_DATA_DIR", "")
	out, err := run(t, "print-config-variable", "data_dir", "--set", "data_dir=/srv/pg")
	require.NoError(t, err)
	assert.Equal(t, "/srv/pg\n", out)
}

func TestPrintConfigVariableUnknown(t *testing.T) {
	_, err := run(t, "print-config-variable", "no_such_setting")
	assert.Error(t, err)
}

func TestDescribeConfigListsEverySetting(t *testing.T) {
	out, err := run(t, "describe-config")
	require.NoError(t, err)
	assert.Contains(t, out, "data_dir = ")
	assert.Contains(t, out, "max_sessions = ")
	assert.Contains(t, out, "quit_signal = ")
}

func TestBootstrapInitializesEmptyDirectory(t *testing.T) {
	t.Setenv("PGBOSS_DATA_DIR", "")
	dir := filepath.Join(t.TempDir(), "data")

	out, err := run(t, "bootstrap", "--set", "data_dir="+dir)
	require.NoError(t, err)
	assert.Contains(t, out, "initialized")

	data, err := os.ReadFile(filepath.Join(dir, "pgboss.control"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "pgboss control\n"))

	_, err = run(t, "bootstrap", "--set", "data_dir="+dir)
	assert.Error(t, err, "refuses a non-empty directory")
}

func TestCheckReportsNoSupervisor(t *testing.T) {
	t.Setenv("PGBOSS_DATA_DIR", "")
	dir := t.TempDir()

	out, err := run(t, "check", "--set", "data_dir="+dir)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok")
	assert.Contains(t, out, "no supervisor running")
}

func TestRunChildRejectsUnknownKind(t *testing.T) {
	assert.Equal(t, 2, runChild([]string{"--pgboss-child=gremlin"}))
}

func TestRunChildRejectsBadToken(t *testing.T) {
	assert.Equal(t, 2, runChild([]string{"--pgboss-child=session", "--pgboss-token=notanumber"}))
}
