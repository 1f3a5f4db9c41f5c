package migrate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unsaid/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "unsaid.db")})
	require.NoError(t, err)
	defer conn.Close()

	v1, err := Migrate(conn, dialect)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := Migrate(conn, dialect)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM submissions`).Scan(&n))
	assert.Zero(t, n)
}

func TestEveryDialectHasTheSameVersions(t *testing.T) {
	lite, err := loadMigrations(db.SQLite)
	require.NoError(t, err)
	pg, err := loadMigrations(db.Postgres)
	require.NoError(t, err)
	require.Len(t, pg, len(lite))
	for i := range lite {
		assert.Equal(t, lite[i].Version, pg[i].Version)
	}
}

func TestRevealInvariantEnforcedByStore(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "unsaid.db")})
	require.NoError(t, err)
	defer conn.Close()
	_, err = Migrate(conn, dialect)
	require.NoError(t, err)

	_, err = conn.Exec(`INSERT INTO users(id, external_id, email, created_at) VALUES ('u1','ext-1','u1@example.com','2024-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO submissions(id, owner_id, message, recipient_name, recipient_contact, contact_type, plan, status, revealed, created_at, updated_at)
VALUES ('s1','u1','hello there friend','Sam','sam@example.com','email','anonymous','pending',1,'2024-01-01T00:00:00.000000000Z','2024-01-01T00:00:00.000000000Z')`)
	assert.Error(t, err)
}
