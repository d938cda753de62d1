package config

import (
	"encoding/base64"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wikimedia/commons-curator/sealed"
)

func setKey(t *testing.T) {
	t.Helper()
	t.Setenv(sealed.EnvKey, base64.StdEncoding.EncodeToString(make([]byte, 32)))
}

func TestLoadRefusesWithoutKey(t *testing.T) {
	t.Setenv(sealed.EnvKey, "")
	_, _, err := Load()
	assert.Check(t, err != nil)
}

func TestLoadDefaultsToSQLite(t *testing.T) {
	setKey(t)
	t.Setenv("DB_URL", "")
	t.Setenv("TOOL_TOOLSDB_USER", "")
	t.Setenv("TOOL_TOOLSDB_PASSWORD", "")

	cfg, codec, err := Load()
	assert.NilError(t, err)
	assert.Check(t, codec != nil)
	assert.Check(t, is.Equal(cfg.DBDriver, "sqlite3"))
	assert.Check(t, is.Equal(cfg.DSN, "./curator.sqlite"))
	assert.Check(t, is.Equal(cfg.WorkerCount, 1))
}

func TestLoadToolsDBWinsOverDBURL(t *testing.T) {
	setKey(t)
	t.Setenv("DB_URL", "sqlite:///./ignored.sqlite")
	t.Setenv("TOOL_TOOLSDB_USER", "s12345")
	t.Setenv("TOOL_TOOLSDB_PASSWORD", "hunter2")

	cfg, _, err := Load()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(cfg.DBDriver, "mysql"))
	assert.Check(t, is.Equal(cfg.DSN, "s12345:hunter2@tcp(tools.db.svc.wikimedia.cloud:3306)/s12345__curator?tls=false&parseTime=true"))
}

func TestLoadPartialToolsDBCredentials(t *testing.T) {
	setKey(t)
	t.Setenv("TOOL_TOOLSDB_USER", "s12345")
	t.Setenv("TOOL_TOOLSDB_PASSWORD", "")

	_, _, err := Load()
	assert.Check(t, is.ErrorContains(err, "must be set together"))
}

func TestLoadRejectsUnknownScheme(t *testing.T) {
	setKey(t)
	t.Setenv("TOOL_TOOLSDB_USER", "")
	t.Setenv("TOOL_TOOLSDB_PASSWORD", "")
	t.Setenv("DB_URL", "postgres://nope")

	_, _, err := Load()
	assert.Check(t, is.ErrorContains(err, "unsupported DB_URL scheme"))
}

func TestLoadAdminsList(t *testing.T) {
	setKey(t)
	t.Setenv("CURATOR_ADMINS", "Alice, Bob ,,Carol")

	cfg, _, err := Load()
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(cfg.Admins, []string{"Alice", "Bob", "Carol"}))
	assert.Check(t, cfg.IsAdmin("Bob"))
	assert.Check(t, !cfg.IsAdmin("Mallory"))
}

func TestLoadWorkerCount(t *testing.T) {
	setKey(t)
	t.Setenv("WORKER_COUNT", "4")

	cfg, _, err := Load()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(cfg.WorkerCount, 4))

	t.Setenv("WORKER_COUNT", "zero")
	_, _, err = Load()
	assert.Check(t, is.ErrorContains(err, "invalid WORKER_COUNT"))
}
