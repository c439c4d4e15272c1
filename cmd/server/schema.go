package main

import (
	"context"
	"database/sql"

	"github.com/fluxgate/gridcore/pool"
)

// ensureSchema creates the demo tables (users, items, and the item_stock
// ledger) if they don't already exist.
// Real deployments run migrations out of band; this exists only so the
// demo CRUD surface has something to talk to out of the box.
func ensureSchema(ctx context.Context, p *pool.ConnectionPool[*sql.Conn], dialect pool.Dialect) error {
	autoIncrement := "AUTO_INCREMENT"
	if dialect == pool.DialectPostgres {
		autoIncrement = ""
	}

	statements := []string{}
	switch dialect {
	case pool.DialectPostgres:
		statements = []string{
			`CREATE TABLE IF NOT EXISTS users (id SERIAL PRIMARY KEY, name TEXT NOT NULL, email TEXT NOT NULL UNIQUE)`,
			`CREATE TABLE IF NOT EXISTS items (id SERIAL PRIMARY KEY, name TEXT NOT NULL, price DOUBLE PRECISION NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS item_stock (item_id INTEGER PRIMARY KEY REFERENCES items(id), quantity INTEGER NOT NULL)`,
		}
	case pool.DialectSQLite:
		statements = []string{
			`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, email TEXT NOT NULL UNIQUE)`,
			`CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, price REAL NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS item_stock (item_id INTEGER PRIMARY KEY REFERENCES items(id), quantity INTEGER NOT NULL)`,
		}
	default: // mysql, mssql
		statements = []string{
			`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY ` + autoIncrement + `, name VARCHAR(255) NOT NULL, email VARCHAR(255) NOT NULL UNIQUE)`,
			`CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY ` + autoIncrement + `, name VARCHAR(255) NOT NULL, price DOUBLE NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS item_stock (item_id INTEGER PRIMARY KEY, quantity INTEGER NOT NULL, FOREIGN KEY (item_id) REFERENCES items(id))`,
		}
	}

	return p.WithConnection(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, stmt := range statements {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
