package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_audit_fact.sql":     {Data: []byte("CREATE TABLE audit_fact (id TEXT PRIMARY KEY);")},
		"002_security_alert.sql": {Data: []byte("CREATE TABLE security_alert (id UUID PRIMARY KEY);")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "001_audit_fact.sql", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE audit_fact (id TEXT PRIMARY KEY);", migrations[0].SQL)
	assert.Equal(t, 2, migrations[1].Version)
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	require.NoError(t, err)

	var versions []int
	for _, m := range migrations {
		versions = append(versions, m.Version)
	}
	assert.Equal(t, []int{1, 2, 5, 10}, versions)
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- this has no version prefix")},
		"notes.txt":          {Data: []byte("not a sql file")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, 2, migrations[1].Version)
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_audit_fact.sql": {Data: []byte("SELECT 1;")},
		"001_duplicate.sql":  {Data: []byte("SELECT 2;")},
	}
	_, err := NewMigrator(nil, fsys).LoadMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version 1")
}

func TestLoadMigrations_Checksum(t *testing.T) {
	fsys := fstest.MapFS{"001_a.sql": {Data: []byte("SELECT 1;")}}
	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	require.NoError(t, err)
	assert.Len(t, migrations[0].Checksum, 64)
	assert.Equal(t, checksum("SELECT 1;"), migrations[0].Checksum)
}

func TestStatusOf(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_a.sql", Checksum: "aa"},
		{Version: 2, Name: "002_b.sql", Checksum: "bb"},
		{Version: 3, Name: "003_c.sql", Checksum: "cc"},
	}
	at := time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)
	done := map[int]appliedMigration{
		1: {checksum: "aa", appliedAt: at},
		2: {checksum: "changed", appliedAt: at},
	}

	got := statusOf(migs, done)
	require.Len(t, got, 3)
	assert.True(t, got[0].Applied)
	assert.False(t, got[0].Modified)
	assert.True(t, got[1].Modified)
	assert.False(t, got[2].Applied)
	assert.Nil(t, got[2].AppliedAt)
}
