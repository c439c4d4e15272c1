package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fluxgate/gridcore/pool"
)

// user and item are the two demo resources spec.md §4.10 calls for:
// ordinary business rows mediated by TwoTierCache, included only to give
// the core subsystems something realistic to front.
type user struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type item struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// createUser demonstrates withConnectionAndRetryForCreate: a duplicate
// email resolves to the existing row's id instead of failing the request.
func (a *app) createUser(w http.ResponseWriter, r *http.Request) {
	var in user
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	onDuplicate := pool.OnDuplicate(func(ctx context.Context, info pool.DuplicateKeyInfo) (any, bool, error) {
		var id int64
		err := a.sqlPool.WithConnection(ctx, func(ctx context.Context, conn *sql.Conn) error {
			return conn.QueryRowContext(ctx, "SELECT id FROM users WHERE email = ?", in.Email).Scan(&id)
		})
		if err != nil {
			return nil, false, err
		}
		return id, true, nil
	})

	idAny, err := a.sqlPool.WithConnectionAndRetryForCreate(r.Context(), 3, "users", onDuplicate,
		func(ctx context.Context, conn *sql.Conn) (any, error) {
			res, err := conn.ExecContext(ctx, "INSERT INTO users (name, email) VALUES (?, ?)", in.Name, in.Email)
			if err != nil {
				return nil, err
			}
			return res.LastInsertId()
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CREATE_FAILED")
		return
	}

	in.ID = idAny.(int64)
	_ = a.cache.SetRecord(r.Context(), "users", "id", in.ID, in, 0)
	_ = a.cache.InvalidateLists(r.Context(), "users")
	_ = a.tasks.Submit(r.Context(), "cache.invalidate.users", nil)

	writeJSON(w, http.StatusCreated, in)
}

func (a *app) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	var out user
	tier, err := a.cache.GetRecord(r.Context(), "users", "id", id, &out)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CACHE_ERROR")
		return
	}
	if tier.String() != "NONE" {
		writeJSON(w, http.StatusOK, out)
		return
	}

	err = a.sqlPool.WithConnection(r.Context(), func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT id, name, email FROM users WHERE id = ?", id).
			Scan(&out.ID, &out.Name, &out.Email)
	})
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED")
		return
	}

	_ = a.cache.SetRecord(r.Context(), "users", "id", id, out, 0)
	writeJSON(w, http.StatusOK, out)
}

func (a *app) listUsers(w http.ResponseWriter, r *http.Request) {
	query := map[string]any{"limit": r.URL.Query().Get("limit")}

	var out []user
	tier, err := a.cache.GetList(r.Context(), "users", query, &out)
	if err == nil && tier.String() != "NONE" {
		writeJSON(w, http.StatusOK, out)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	out = make([]user, 0, limit)
	err = a.sqlPool.WithConnection(r.Context(), func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, "SELECT id, name, email FROM users ORDER BY id LIMIT ?", limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var u user
			if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED")
		return
	}

	_ = a.cache.SetList(r.Context(), "users", query, out, 0)
	writeJSON(w, http.StatusOK, out)
}

func (a *app) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	err = a.sqlPool.WithConnection(r.Context(), func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "DELETE_FAILED")
		return
	}

	_ = a.cache.InvalidateRecord(r.Context(), "users", "id", id)
	_ = a.cache.InvalidateLists(r.Context(), "users")
	_ = a.tasks.Submit(r.Context(), "cache.invalidate.users", nil)

	w.WriteHeader(http.StatusNoContent)
}

// createItem demonstrates withTransaction: the insert and an initial stock
// ledger row commit or roll back together under one task-scoped checkout.
func (a *app) createItem(w http.ResponseWriter, r *http.Request) {
	var in item
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	taskID := uuid.NewString()
	ctx := pool.WithTaskID(r.Context(), taskID)

	var newID int64
	err := a.sqlPool.WithTransaction(ctx,
		a.transactor.Begin(ctx, taskID),
		a.transactor.Commit(taskID),
		a.transactor.Rollback(taskID),
		func(ctx context.Context, conn *sql.Conn) error {
			tx, _ := a.transactor.Tx(taskID)
			res, err := tx.ExecContext(ctx, "INSERT INTO items (name, price) VALUES (?, ?)", in.Name, in.Price)
			if err != nil {
				return err
			}
			newID, err = res.LastInsertId()
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, "INSERT INTO item_stock (item_id, quantity) VALUES (?, 0)", newID)
			return err
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CREATE_FAILED")
		return
	}

	in.ID = newID
	_ = a.cache.SetRecord(r.Context(), "items", "id", in.ID, in, 0)
	_ = a.cache.InvalidateLists(r.Context(), "items")
	_ = a.tasks.Submit(r.Context(), "cache.invalidate.items", nil)

	writeJSON(w, http.StatusCreated, in)
}

func (a *app) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	var out item
	tier, err := a.cache.GetRecord(r.Context(), "items", "id", id, &out)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CACHE_ERROR")
		return
	}
	if tier.String() != "NONE" {
		writeJSON(w, http.StatusOK, out)
		return
	}

	err = a.sqlPool.WithConnection(r.Context(), func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT id, name, price FROM items WHERE id = ?", id).
			Scan(&out.ID, &out.Name, &out.Price)
	})
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED")
		return
	}

	_ = a.cache.SetRecord(r.Context(), "items", "id", id, out, 0)
	writeJSON(w, http.StatusOK, out)
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready": a.supervisor.Ready(),
		"sql":   a.sqlPool.Stats(),
		"kv":    a.kvPool.Stats(),
		"tasks": a.tasks.Stats(),
	})
}
