// Package pg implements store.SessionStore on top of Postgres. Schema
// migrations run through golang-migrate against lib/pq's registered
// "postgres" driver (see cmd/migrate.go); the store itself talks to the
// database through pgx's database/sql driver, which is the faster path
// for the hot per-message read/write loop the gateway actually drives.
package pg

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations/*.sql
var Migrations embed.FS

// OpenDB opens a pooled connection to dsn using pgx's database/sql driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return db, nil
}
