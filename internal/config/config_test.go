package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, []string{"127.0.0.1:5432"}, cfg.ListenTCP)
	assert.Equal(t, 100, cfg.MaxSessions)
	assert.True(t, cfg.RestartAfterCrash)
	assert.Equal(t, 5*time.Second, cfg.KillEscalationDelay)
	assert.Equal(t, QuitSignalAbort, cfg.QuitSignal)
	assert.Equal(t, "C", cfg.Locale.Collate)
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgboss.yaml")
	yaml := `
data_dir: /srv/pg
max_sessions: 20
restart_after_crash: false
kill_escalation_delay: 9s
listen_unix:
  - /tmp/.s.PGBOSS.5432
locale:
  collate: en_US.UTF-8
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/pg", cfg.DataDir)
	assert.Equal(t, 20, cfg.MaxSessions)
	assert.False(t, cfg.RestartAfterCrash)
	assert.Equal(t, 9*time.Second, cfg.KillEscalationDelay)
	assert.Equal(t, []string{"/tmp/.s.PGBOSS.5432"}, cfg.ListenUnix)
	assert.Equal(t, "en_US.UTF-8", cfg.Locale.Collate)
	assert.Equal(t, "C", cfg.Locale.Ctype, "unset nested keys keep their defaults")
	assert.Equal(t, 3, cfg.MaxAutovacWorkers, "unset keys keep their defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgboss.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: 20\n"), 0644))

	t.Setenv("PGBOSS_MAX_SESSIONS", "7")
	t.Setenv("PGBOSS_LOCALE__MESSAGES", "de_DE")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxSessions)
	assert.Equal(t, "de_DE", cfg.Locale.Messages)
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	t.Setenv("PGBOSS_DATA_DIR", "")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsUnknownQuitSignal(t *testing.T) {
	t.Setenv("PGBOSS_QUIT_SIGNAL", "nuke")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsTooManySockets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgboss.yaml")
	yaml := "listen_tcp:\n"
	for i := 0; i < 65; i++ {
		yaml += "  - 127.0.0.1:5432\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestAdmissionCeiling(t *testing.T) {
	cfg := Config{MaxSessions: 10, MaxAutovacWorkers: 3, MaxWalSenders: 2, MaxBgWorkers: 5}
	assert.Equal(t, 2*(10+3+2+5+1), cfg.AdmissionCeiling())
}

func TestMapRoundTripsThroughDefaults(t *testing.T) {
	m := defaults().Map()
	assert.Equal(t, "./data", m["data_dir"])
	assert.Equal(t, "abort", m["quit_signal"])
	assert.Equal(t, "C", m["locale.collate"])
}
