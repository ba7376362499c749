// internal/queue/queue.go
// Package queue guarda em SQLite os eventos que não puderam ser enviados ao cloud.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sua-org/edge-agent/internal/core"
	"github.com/sua-org/edge-agent/internal/payload"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	item_type   TEXT    NOT NULL,
	payload     TEXT    NOT NULL,
	enqueued_at TEXT    NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS offline_dead_letter (
	id          INTEGER PRIMARY KEY,
	item_type   TEXT    NOT NULL,
	payload     TEXT    NOT NULL,
	enqueued_at TEXT    NOT NULL,
	attempts    INTEGER NOT NULL,
	last_error  TEXT    NOT NULL,
	failed_at   TEXT    NOT NULL
);`

var ErrInvalidType = errors.New("tipo de item inválido")

// Item é uma entrada pendente (ou morta) da fila.
type Item struct {
	ID         int64
	Type       core.ItemType
	Payload    payload.Value
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// SendFunc entrega um item ao cloud; nil significa confirmado.
type SendFunc func(ctx context.Context, it Item) error

// DrainResult resume uma passada de dreno.
type DrainResult struct {
	Sent         int
	DeadLettered int
	Remaining    int
}

type Queue struct {
	db       *sql.DB
	path     string
	terminal func(error) bool
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Queue)

// WithTerminal define quais erros de envio são recusas definitivas: o item vai
// para offline_dead_letter e o dreno continua.
func WithTerminal(fn func(error) bool) Option { return func(q *Queue) { q.terminal = fn } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// Open abre (ou cria) o banco da fila em path.
func Open(path string, log zerolog.Logger, opts ...Option) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("criar diretório da fila: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("abrir fila: %w", err)
	}
	// sqlite: um escritor por vez
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("criar schema da fila: %w", err)
	}

	q := &Queue{
		db:       db,
		path:     path,
		terminal: func(error) bool { return false },
		now:      time.Now,
		log:      log,
	}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

func (q *Queue) Path() string { return q.path }

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue grava o item no fim da fila e devolve o id.
func (q *Queue) Enqueue(ctx context.Context, typ core.ItemType, body payload.Value) (int64, error) {
	if !typ.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	raw, err := body.MarshalJSON()
	if err != nil {
		return 0, fmt.Errorf("serializar payload: %w", err)
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO offline_queue (item_type, payload, enqueued_at) VALUES (?, ?, ?)`,
		string(typ), string(raw), q.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("enfileirar: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	q.log.Debug().Int64("id", id).Str("type", string(typ)).Msg("item enfileirado")
	return id, nil
}

// Peek devolve até limit itens na ordem de entrada (limit <= 0: todos).
func (q *Queue) Peek(ctx context.Context, limit int) ([]Item, error) {
	query := `SELECT id, item_type, payload, enqueued_at, attempts, last_error FROM offline_queue ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.query(ctx, query, args...)
}

// DeadLetters lista o que o cloud recusou em definitivo.
func (q *Queue) DeadLetters(ctx context.Context) ([]Item, error) {
	return q.query(ctx, `SELECT id, item_type, payload, enqueued_at, attempts, last_error FROM offline_dead_letter ORDER BY id`)
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ler fila: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it       Item
			typ, raw string
			at       string
		)
		if err := rows.Scan(&it.ID, &typ, &raw, &at, &it.Attempts, &it.LastError); err != nil {
			return nil, err
		}
		it.Type = core.ItemType(typ)
		it.Payload, err = payload.FromJSON([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("item %d com payload corrompido: %w", it.ID, err)
		}
		it.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("contar fila: %w", err)
	}
	return n, nil
}

func (q *Queue) Remove(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
	return err
}

// Purge esvazia a fila e as mensagens mortas; devolve quantos itens pendentes foram apagados.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM offline_queue`)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_dead_letter`); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Drain envia os itens em ordem. Para no primeiro erro que não seja terminal,
// deixando aquele item e os seguintes intactos. Itens só saem da fila depois
// do envio confirmado.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (DrainResult, error) {
	var res DrainResult
	const batch = 50

	for {
		items, err := q.Peek(ctx, batch)
		if err != nil {
			return res, err
		}
		if len(items) == 0 {
			return res, nil
		}

		for _, it := range items {
			if err := ctx.Err(); err != nil {
				res.Remaining, _ = q.Len(context.Background())
				return res, err
			}

			sendErr := send(ctx, it)
			if sendErr == nil {
				if err := q.Remove(ctx, it.ID); err != nil {
					return res, fmt.Errorf("remover item %d: %w", it.ID, err)
				}
				res.Sent++
				continue
			}

			if q.terminal(sendErr) {
				if err := q.deadLetter(ctx, it, sendErr); err != nil {
					return res, err
				}
				res.DeadLettered++
				q.log.Warn().Int64("id", it.ID).Err(sendErr).Msg("item recusado pelo cloud movido para dead letter")
				continue
			}

			q.markFailed(ctx, it.ID, sendErr)
			res.Remaining, _ = q.Len(ctx)
			return res, sendErr
		}
	}
}

func (q *Queue) markFailed(ctx context.Context, id int64, cause error) {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE offline_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		cause.Error(), id); err != nil {
		q.log.Warn().Int64("id", id).Err(err).Msg("falha ao registrar tentativa")
	}
}

func (q *Queue) deadLetter(ctx context.Context, it Item, cause error) error {
	raw, err := it.Payload.MarshalJSON()
	if err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO offline_dead_letter (id, item_type, payload, enqueued_at, attempts, last_error, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.Type), string(raw), it.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		it.Attempts+1, cause.Error(), q.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("dead letter %d: %w", it.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, it.ID); err != nil {
		return err
	}
	return tx.Commit()
}
