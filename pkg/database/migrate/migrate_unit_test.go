package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/sessionstate/pkg/config"
	sessionpg "github.com/txn2/sessionstate/pkg/session/postgres"
)

const (
	migrateTestFileCount    = 4
	migrateTestSuccess      = "success"
	migrateTestFactoryError = "factory error"
)

// mockMigrator implements the migrator interface for testing.
type mockMigrator struct {
	upErr      error
	downErr    error
	stepsErr   error
	versionVal uint
	dirty      bool
	versionErr error
}

func (m *mockMigrator) Up() error         { return m.upErr }
func (m *mockMigrator) Down() error       { return m.downErr }
func (m *mockMigrator) Steps(_ int) error { return m.stepsErr }
func (m *mockMigrator) Version() (version uint, dirty bool, err error) {
	return m.versionVal, m.dirty, m.versionErr
}

var migrationFiles = []string{
	"000001_session_state.up.sql",
	"000001_session_state.down.sql",
	"000002_session_state_expires.up.sql",
	"000002_session_state_expires.down.sql",
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, migrateTestFileCount)

	fileNames := make(map[string]bool)
	for _, e := range entries {
		fileNames[e.Name()] = true
	}

	for _, expected := range migrationFiles {
		assert.True(t, fileNames[expected], "expected migration file %s to exist", expected)
	}
}

func TestMigrationFilesNotEmpty(t *testing.T) {
	for _, file := range migrationFiles {
		content, err := migrations.ReadFile("migrations/" + file)
		assert.NoError(t, err, "failed to read %s", file)
		assert.NotEmpty(t, content, "migration file %s should not be empty", file)
	}
}

// withMigrator installs a factory returning m (or err) for the test's duration.
func withMigrator(t *testing.T, m *mockMigrator, err error) {
	t.Helper()
	orig := migratorFactory
	t.Cleanup(func() { migratorFactory = orig })
	migratorFactory = func(*sql.DB) (migrator, error) {
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

func TestMigrationCommands(t *testing.T) {
	run := func(db *sql.DB) error { return Run(db) }
	down := func(db *sql.DB) error { return Down(db) }
	stepUp := func(db *sql.DB) error { return Steps(db, 1) }

	tests := []struct {
		name       string
		call       func(*sql.DB) error
		m          *mockMigrator
		factoryErr error
		wantErr    string
	}{
		{"run applies", run, &mockMigrator{versionVal: 2}, nil, ""},
		{"run up to date", run, &mockMigrator{upErr: migrate.ErrNoChange, versionVal: 2}, nil, ""},
		{"run fresh database", run, &mockMigrator{versionErr: migrate.ErrNilVersion}, nil, ""},
		{"run dirty", run, &mockMigrator{versionVal: 2, dirty: true}, nil, ""},
		{"run up fails", run, &mockMigrator{upErr: errors.New("boom")}, nil, "running migrations"},
		{"run version fails", run, &mockMigrator{versionErr: errors.New("boom")}, nil, "getting migration version"},
		{"run " + migrateTestFactoryError, run, nil, errors.New("no driver"), "no driver"},
		{"down rolls back", down, &mockMigrator{}, nil, ""},
		{"down nothing applied", down, &mockMigrator{downErr: migrate.ErrNoChange}, nil, ""},
		{"down fails", down, &mockMigrator{downErr: errors.New("boom")}, nil, "rolling back migrations"},
		{"down " + migrateTestFactoryError, down, nil, errors.New("no driver"), "no driver"},
		{"steps " + migrateTestSuccess, stepUp, &mockMigrator{}, nil, ""},
		{"steps at head", stepUp, &mockMigrator{stepsErr: migrate.ErrNoChange}, nil, ""},
		{"steps fails", stepUp, &mockMigrator{stepsErr: errors.New("boom")}, nil, "stepping migrations"},
		{"steps " + migrateTestFactoryError, stepUp, nil, errors.New("no driver"), "no driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withMigrator(t, tt.m, tt.factoryErr)
			err := tt.call(nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVersion(t *testing.T) {
	withMigrator(t, &mockMigrator{versionVal: 2, dirty: true}, nil)
	version, dirty, err := Version(nil)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.True(t, dirty)

	withMigrator(t, nil, errors.New("no driver"))
	_, _, err = Version(nil)
	assert.Error(t, err)
}

func TestMigration001_UpContent(t *testing.T) {
	content, err := migrations.ReadFile("migrations/000001_session_state.up.sql")
	require.NoError(t, err)
	migrationSQL := string(content)

	assert.Contains(t, migrationSQL, "CREATE TABLE")
	assert.Contains(t, migrationSQL, "session_state")
	assert.Contains(t, migrationSQL, "PRIMARY KEY (namespace, id)",
		"a duplicate create must fail instead of producing two rows")
	assert.Contains(t, migrationSQL, "idx_session_state_lock")
}

func TestMigration001_DownContent(t *testing.T) {
	content, err := migrations.ReadFile("migrations/000001_session_state.down.sql")
	require.NoError(t, err)
	migrationSQL := string(content)

	assert.Contains(t, migrationSQL, "DROP TABLE")
	assert.Contains(t, migrationSQL, "DROP INDEX IF EXISTS idx_session_state_lock")
}

func TestMigration002_Content(t *testing.T) {
	up, err := migrations.ReadFile("migrations/000002_session_state_expires.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "CREATE INDEX IF NOT EXISTS idx_session_state_expires")
	assert.Contains(t, string(up), "(expires)")

	down, err := migrations.ReadFile("migrations/000002_session_state_expires.down.sql")
	require.NoError(t, err)
	assert.Contains(t, string(down), "DROP INDEX IF EXISTS idx_session_state_expires")
}

// TestMigrationTableMatchesDefaults verifies that the table the migrations
// create is the one the config and the postgres backend default to, since
// auto-migrate is only allowed for that table.
func TestMigrationTableMatchesDefaults(t *testing.T) {
	content, err := migrations.ReadFile("migrations/000001_session_state.up.sql")
	require.NoError(t, err)

	m := regexp.MustCompile(`(?i)CREATE TABLE\s+(?:IF NOT EXISTS\s+)?(\w+)`).FindStringSubmatch(string(content))
	require.Len(t, m, 2)
	assert.Equal(t, config.DefaultPostgresTable, m[1])
	assert.Equal(t, sessionpg.DefaultTable, m[1])
}

// TestMigrationColumnConsistency verifies that every column created by the
// session_state migration is listed in the postgres backend's column set,
// so DDL and DML cannot drift apart.
func TestMigrationColumnConsistency(t *testing.T) {
	content, err := migrations.ReadFile("migrations/000001_session_state.up.sql")
	require.NoError(t, err)

	colRe := regexp.MustCompile(`(?m)^\s+(\w+)\s+(?:TEXT|TIMESTAMPTZ|BOOLEAN|BIGINT|SMALLINT|BYTEA|INTEGER)\b`)
	matches := colRe.FindAllStringSubmatch(string(content), -1)
	require.Len(t, matches, 11, "session_state should define eleven columns")

	storeSource, err := os.ReadFile("../../session/postgres/store.go")
	require.NoError(t, err)

	colsRe := regexp.MustCompile(`(?s)recordColumns = \[\]string\{(.*?)\}`)
	colsMatch := colsRe.FindStringSubmatch(string(storeSource))
	require.Len(t, colsMatch, 2, "store.go should declare recordColumns")

	for _, m := range matches {
		assert.Contains(t, colsMatch[1], fmt.Sprintf("%q", m[1]),
			"column %q created by the migration must appear in recordColumns", m[1])
	}
}

// TestMigrationTablesHaveConsumers verifies that every table created by a
// migration is named by non-test, non-migration Go source code under pkg/.
func TestMigrationTablesHaveConsumers(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)

	createTableRe := regexp.MustCompile(`(?i)CREATE TABLE\s+(?:IF NOT EXISTS\s+)?(\w+)`)

	var tables []string
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		content, readErr := migrations.ReadFile("migrations/" + entry.Name())
		require.NoError(t, readErr)

		for _, m := range createTableRe.FindAllStringSubmatch(string(content), -1) {
			tables = append(tables, m[1])
		}
	}
	require.NotEmpty(t, tables, "migrations should contain CREATE TABLE statements")

	var goFiles []string
	require.NoError(t, collectGoSourceFiles("../../../pkg", &goFiles), "failed to walk pkg/ directory")
	require.NotEmpty(t, goFiles, "should find Go source files under pkg/")

	var corpus strings.Builder
	for _, path := range goFiles {
		content, readErr := os.ReadFile(path) //nolint:gosec // test reads source files, not user input
		require.NoError(t, readErr)
		corpus.Write(content)  //nolint:revive // strings.Builder.Write never returns an error
		corpus.WriteByte('\n') //nolint:revive // strings.Builder.WriteByte never returns an error
	}
	source := corpus.String()

	// Queries are built with squirrel, so the table name appears as a string literal.
	for _, table := range tables {
		assert.Contains(t, source, fmt.Sprintf("%q", table),
			"table %q is created by a migration but no non-test Go code references it", table)
	}
}

// collectGoSourceFiles walks dir recursively and appends non-test, non-migration
// Go source file paths to dst.
func collectGoSourceFiles(dir string, dst *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		path := dir + "/" + entry.Name()
		if entry.IsDir() {
			if entry.Name() == "migrate" || entry.Name() == "vendor" {
				continue // skip migration SQL and vendor
			}
			if err := collectGoSourceFiles(path, dst); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(entry.Name(), ".go") && !strings.HasSuffix(entry.Name(), "_test.go") {
			*dst = append(*dst, path)
		}
	}
	return nil
}
