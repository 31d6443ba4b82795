package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	db := filepath.Join(src, "snapshot.db")
	cfg := filepath.Join(src, "config.yaml")
	require.NoError(t, os.WriteFile(db, []byte("sqlite bytes"), 0o600))
	require.NoError(t, os.WriteFile(cfg, []byte("server:\n  port: 9000\n"), 0o600))

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, writeArchive(archive, map[string]string{backupDBName: db, backupConfigName: cfg}))

	dst := t.TempDir()
	targets := map[string]string{
		backupDBName:     filepath.Join(dst, "data", "chatgate.db"),
		backupConfigName: filepath.Join(dst, "config.yaml"),
	}
	restored, err := extractArchive(archive, targets)
	require.NoError(t, err)
	assert.Len(t, restored, 2)

	data, err := os.ReadFile(targets[backupDBName])
	require.NoError(t, err)
	assert.Equal(t, "sqlite bytes", string(data))
	data, err = os.ReadFile(targets[backupConfigName])
	require.NoError(t, err)
	assert.Contains(t, string(data), "port: 9000")
}

func TestExtractArchive_NoKnownEntries(t *testing.T) {
	other := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("hello"), 0o600))
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, writeArchive(archive, map[string]string{"notes.txt": other}))

	_, err := extractArchive(archive, map[string]string{backupDBName: filepath.Join(t.TempDir(), "x.db")})
	assert.ErrorContains(t, err, "no chatgate backup entries")
}

func TestServiceFile(t *testing.T) {
	path, unit, err := serviceFile("linux", "/usr/local/bin/chatgate", "/etc/chatgate/config.yaml")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, systemdUnit))
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/chatgate serve --config /etc/chatgate/config.yaml")

	_, _, err = serviceFile("plan9", "/bin/chatgate", "config.yaml")
	assert.Error(t, err)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.5 KB", humanSize(1536))
	assert.Equal(t, "2.0 MB", humanSize(2<<20))
}
