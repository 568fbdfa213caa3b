package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deptrack/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Webhooks)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	opt, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, opt)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
log:
  level: debug
webhooks:
  - url: https://hooks.example.com/deptrack
    events: [task.stage_moved, task.approval_requested]
    secret: s3cret
    enabled: true
    timeout_seconds: 3
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "debug", cfg.LogOptions().Level)
	assert.Equal(t, 10, cfg.LogOptions().MaxSizeMB)
	require.Len(t, cfg.Webhooks, 1)
	assert.True(t, cfg.Webhooks[0].Enabled)
	assert.Equal(t, []string{"task.stage_moved", "task.approval_requested"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad level":     "log:\n  level: loud\n",
		"relative url":  "webhooks:\n  - url: /hook\n",
		"unknown event": "webhooks:\n  - url: http://x.test/h\n    events: [task.exploded]\n",
		"base path":     "server:\n  base_path: v1\n",
		"empty addr":    "server:\n  addr: \"\"\n",
		"bad yaml":      "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	cfg, err := FromFile(filepath.Join(dir, "deptrack.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDirectoryResolve(t *testing.T) {
	d, err := DirectoryFromYAML([]byte(`
departments:
  - {id: eng, name: Engineering}
users:
  - {id: u1, name: Ana, role: TEAM_LEAD, department_id: eng, team_id: core}
  - {id: u2, name: Ben, role: employee, department_id: eng}
`))
	require.NoError(t, err)
	depts, users, err := d.Resolve("2024-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, depts, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", depts[0].CreatedAt)
	require.Len(t, users, 2)
	assert.Equal(t, domain.RoleTeamLead, users[0].Role)
	require.NotNil(t, users[0].TeamID)
	assert.Equal(t, "core", *users[0].TeamID)
	assert.Nil(t, users[1].TeamID)
}

func TestDirectoryResolveErrors(t *testing.T) {
	cases := map[string]string{
		"unknown role":       "departments: [{id: eng, name: E}]\nusers: [{id: u, name: U, role: intern, department_id: eng}]\n",
		"unknown department": "departments: [{id: eng, name: E}]\nusers: [{id: u, name: U, role: employee, department_id: ops}]\n",
		"duplicate user":     "departments: [{id: eng, name: E}]\nusers: [{id: u, name: U, role: employee, department_id: eng}, {id: u, name: V, role: employee, department_id: eng}]\n",
		"nameless dept":      "departments: [{id: eng}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			d, err := DirectoryFromYAML([]byte(doc))
			require.NoError(t, err)
			_, _, err = d.Resolve("ts")
			assert.Error(t, err)
		})
	}
}
