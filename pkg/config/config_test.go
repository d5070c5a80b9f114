// Copyright 2026 Sage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagecore/sage/pkg/sageerr"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SILICONFLOW_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 5, cfg.Database.MinConnections)
	assert.Equal(t, 20, cfg.Database.MaxConnections)
	assert.Equal(t, 60, cfg.Database.CommandTimeoutSeconds)
	assert.Equal(t, 4096, cfg.Embedding.Dimension)
	assert.Equal(t, 8000, cfg.Embedding.ChunkSize)
	assert.Equal(t, 10, cfg.Memory.MaxResults)
	assert.False(t, cfg.HTTP.RequireAuth)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SILICONFLOW_API_KEY", "sk-test")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "15432")
	t.Setenv("SAGE_MAX_RESULTS", "25")
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 15432, cfg.Database.Port)
	assert.Equal(t, 25, cfg.Memory.MaxResults)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
	assert.Equal(t, 9000, cfg.HTTP.Port)
}

func TestLoadConfigFileMerge(t *testing.T) {
	t.Setenv("SILICONFLOW_API_KEY", "sk-test")
	t.Setenv("DB_NAME", "from_env")

	dir := t.TempDir()
	path := filepath.Join(dir, "sage.yaml")
	content := []byte("database:\n  name: from_file\n  host: file-host\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// env beats file; file beats default
	assert.Equal(t, "from_env", cfg.Database.Name)
	assert.Equal(t, "file-host", cfg.Database.Host)
}

func TestLoadMissingAPIKey(t *testing.T) {
	t.Setenv("SILICONFLOW_API_KEY", "")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, sageerr.IsKind(err, sageerr.KindConfiguration))
}

func TestRequireAuthNeedsToken(t *testing.T) {
	t.Setenv("SILICONFLOW_API_KEY", "sk-test")
	t.Setenv("REQUIRE_AUTH", "true")
	t.Setenv("SAGE_AUTH_TOKEN", "")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, sageerr.IsKind(err, sageerr.KindConfiguration))
}

func TestRedacted(t *testing.T) {
	t.Setenv("SILICONFLOW_API_KEY", "sk-secret")
	t.Setenv("DB_PASSWORD", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)

	red := cfg.Redacted()
	assert.Equal(t, "***REDACTED***", red.Embedding.APIKey)
	assert.Equal(t, "***REDACTED***", red.Database.Password)
	// original untouched
	assert.Equal(t, "sk-secret", cfg.Embedding.APIKey)
}

func TestDSNQuoting(t *testing.T) {
	c := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Name:     "sage's db",
		User:     "sage",
		Password: `p\ss'word`,
		SSLMode:  "disable",
	}
	dsn := c.DSN()
	assert.Contains(t, dsn, `dbname='sage\'s db'`)
	assert.Contains(t, dsn, `password='p\\ss\'word'`)
}
