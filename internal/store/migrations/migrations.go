// Package migrations embeds the task store's versioned schema and applies
// it with goose, replacing the teacher's idempotent "CREATE TABLE IF NOT
// EXISTS" with real migration history — the same concern
// (dronerd/server/task_store.go's init()), a more durable mechanism.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Up applies every pending migration against db, which must already be
// open on the "sqlite" driver.
func Up(db *sql.DB) error {
	goose.SetBaseFS(sqlFiles)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "sql")
}
