package pool

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)

// Dialect names the four SQL backends this pool wires up, as required by
// isDuplicateKey's cross-dialect detection (spec.md §4.2).
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
	DialectMSSQL    Dialect = "sqlserver"
)

// SQLConnectConfig is the "connect fields for SQL" surface from spec.md §6.
type SQLConnectConfig struct {
	Dialect  Dialect
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Charset  string
}

// DSN renders the driver-specific connection string for cfg.Dialect.
func (c SQLConnectConfig) DSN() string {
	switch c.Dialect {
	case DialectMySQL:
		charset := c.Charset
		if charset == "" {
			charset = "utf8mb4"
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database, charset)
	case DialectPostgres:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case DialectSQLite:
		return c.Database
	case DialectMSSQL:
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s", c.User, c.Password, c.Host, c.Port, c.Database)
	default:
		return ""
	}
}

// NewSQLPool builds a ConnectionPool[*sql.Conn] for cfg's dialect. Each
// checkout is a dedicated *sql.Conn pulled from a single *sql.DB so the
// teacher's pooled-vs-per-query duality collapses into one generic pool as
// spec.md intends.
func NewSQLPool(poolCfg Config, connCfg SQLConnectConfig) (*ConnectionPool[*sql.Conn], func() error, error) {
	db, err := sql.Open(string(connCfg.Dialect), connCfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", connCfg.Dialect, err)
	}
	db.SetMaxOpenConns(poolCfg.Max)

	connect := func(ctx context.Context) (*sql.Conn, error) {
		return db.Conn(ctx)
	}
	isAlive := func(c *sql.Conn) bool {
		if c == nil {
			return false
		}
		return c.PingContext(context.Background()) == nil
	}
	closeFn := func(c *sql.Conn) {
		if c != nil {
			_ = c.Close()
		}
	}

	p := New[*sql.Conn](poolCfg, connect, isAlive, closeFn)
	return p, db.Close, nil
}

// SQLTransactor's Begin/Commit/Rollback thread a *sql.Tx through ConnectionPool's
// WithTransaction hooks by stashing it on the connection's context-adjacent
// closure; since *sql.Conn itself doesn't carry transaction state, the SQL
// pool wiring keeps the *sql.Tx alongside the task's reentrant entry via a
// small side table keyed by the same task id.
type txRegistry struct {
	byTask map[string]*sql.Tx
}

func newTxRegistry() *txRegistry { return &txRegistry{byTask: make(map[string]*sql.Tx)} }

// SQLTransactor adapts ConnectionPool[*sql.Conn].WithTransaction's
// begin/commit/rollback hooks to database/sql, keyed by task id so nested
// calls share one *sql.Tx.
type SQLTransactor struct {
	reg *txRegistry
}

func NewSQLTransactor() *SQLTransactor { return &SQLTransactor{reg: newTxRegistry()} }

func (t *SQLTransactor) Begin(ctx context.Context, taskID string) func(conn *sql.Conn) error {
	return func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		t.reg.byTask[taskID] = tx
		return nil
	}
}

func (t *SQLTransactor) Commit(taskID string) func(conn *sql.Conn) error {
	return func(conn *sql.Conn) error {
		tx := t.reg.byTask[taskID]
		delete(t.reg.byTask, taskID)
		if tx == nil {
			return fmt.Errorf("commit: no active transaction for task %s", taskID)
		}
		return tx.Commit()
	}
}

func (t *SQLTransactor) Rollback(taskID string) func(conn *sql.Conn) error {
	return func(conn *sql.Conn) error {
		tx := t.reg.byTask[taskID]
		delete(t.reg.byTask, taskID)
		if tx == nil {
			return nil
		}
		return tx.Rollback()
	}
}

// Tx returns the in-flight transaction for taskID, if any, so business code
// issuing statements inside WithTransaction's fn can run them against it
// instead of the bare connection.
func (t *SQLTransactor) Tx(taskID string) (*sql.Tx, bool) {
	tx, ok := t.reg.byTask[taskID]
	return tx, ok
}
