package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/sethvargo/go-retry"
)

// RetryEngine wraps github.com/sethvargo/go-retry's exponential backoff with
// the layered error classification the pool needs: a connection that comes
// back to life is not the same thing as a create that collided on a unique
// key, and the two call sites treat them differently.
type RetryEngine struct {
	// BaseDelay is the delayMs term; the engine sleeps BaseDelay*2^attempt
	// between attempts, capped by MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryEngine mirrors the teacher's reconnect defaults
// (client/reconnect.go: 1s initial, 60s cap).
func DefaultRetryEngine() *RetryEngine {
	return &RetryEngine{BaseDelay: 1 * time.Second, MaxDelay: 60 * time.Second}
}

func (e *RetryEngine) backoff(maxRetry int) retry.Backoff {
	b := retry.NewExponential(e.BaseDelay)
	b = retry.WithCappedDuration(e.MaxDelay, b)
	if maxRetry >= 0 {
		b = retry.WithMaxRetries(uint64(maxRetry), b)
	}
	return b
}

// Run invokes fn, retrying while predicate(err) is true, up to maxRetry
// attempts (-1 means unbounded, used only for startup init per spec.md §4.2).
func (e *RetryEngine) Run(ctx context.Context, maxRetry int, predicate func(error) bool, fn func(ctx context.Context) error) error {
	b := e.backoff(maxRetry)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if predicate(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// --- classification predicates (spec.md §4.3) ---

var transientPattern = regexp.MustCompile(`(?i)(deadlock|timeout|connection refused|temporarily unavailable|lost connection|broken pipe|reset by peer)`)

// isRetryableTransient matches the message-level signals spec.md calls out:
// deadlock, timeout, connection refused, temporarily unavailable, lost
// connection.
func isRetryableTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return transientPattern.MatchString(err.Error())
}

// isConnectionRefused reports a driver-level connection-refused condition.
func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(strings.ToLower(opErr.Err.Error()), "refused")
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// isServerGoneAway reports the MySQL/Postgres "server has gone away" family.
func isServerGoneAway(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server has gone away") ||
		strings.Contains(msg, "broken pipe") ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, net.ErrClosed)
}

// isDuplicateKey classifies a unique-constraint violation across the four
// wired SQL dialects. It checks each driver's structured error type first;
// an error that carries none of those types is matched on a
// case-insensitive "duplicate" substring in its message.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		return mssqlErr.Number == 2627
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate")
}

// ShouldRetry implements spec.md §4.3's generic retry predicate.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var createErr *Error
	if errors.As(err, &createErr) && (createErr.Kind == KindTransient) {
		return true
	}
	return isRetryableTransient(err) || isConnectionRefused(err) || isServerGoneAway(err)
}

// ShouldForceRetry additionally retries a "resource not found" condition,
// used when polling for read-after-write consistency against an eventually
// consistent downstream (spec.md §4.3).
func ShouldForceRetry(err error) bool {
	if ShouldRetry(err) {
		return true
	}
	return errors.Is(err, sql.ErrNoRows)
}

// duplicateKeyPattern extracts {table, column, value} from common driver
// message shapes; it is a best-effort parse used only to drive the
// onDuplicate resolver (spec.md §4.2's withConnectionAndRetryForCreate).
var duplicateKeyPattern = regexp.MustCompile(`(?i)duplicate entry '([^']*)' for key '([^'.]*)\.?([^']*)'`)

// ParseDuplicateKey attempts to pull {table, column, value} out of a
// duplicate-key error message. Returns ok=false if the message doesn't match
// a recognized shape, in which case the caller should re-throw.
func ParseDuplicateKey(err error, table string) (DuplicateKeyInfo, bool) {
	if err == nil {
		return DuplicateKeyInfo{}, false
	}
	m := duplicateKeyPattern.FindStringSubmatch(err.Error())
	if m == nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Constraint != "" {
			return DuplicateKeyInfo{Table: table, Column: pqErr.Constraint, Value: ""}, true
		}
		return DuplicateKeyInfo{}, false
	}
	value, key := m[1], m[2]
	column := key
	if m[3] != "" {
		column = m[3]
	}
	return DuplicateKeyInfo{Table: table, Column: column, Value: value}, true
}

func wrapTransient(cause error) error {
	return fmt.Errorf("transient pool failure: %w", newErr(KindTransient, cause.Error(), cause))
}
