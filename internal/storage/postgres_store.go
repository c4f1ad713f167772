package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const maxConflictRetries = 8

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// MigrateDSN opens dsn just long enough to apply the schema.
func MigrateDSN(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return Migrate(ctx, db)
}

// PostgresCollection stores one collection as a table of jsonb documents.
// Conditional updates compare the version column; every commit notifies
// "<table>_changes" with the document id.
type PostgresCollection[T Document] struct {
	db     *sql.DB
	table  string
	newDoc func() T
	broker *broker
}

func newPostgresCollection[T Document](db *sql.DB, table string, newDoc func() T) *PostgresCollection[T] {
	return &PostgresCollection[T]{db: db, table: table, newDoc: newDoc, broker: newBroker()}
}

func (p *PostgresCollection[T]) Name() string { return p.table }

func (p *PostgresCollection[T]) channel() string { return p.table + "_changes" }

func (p *PostgresCollection[T]) decode(data []byte) (T, error) {
	doc := p.newDoc()
	if err := json.Unmarshal(data, doc); err != nil {
		var zero T
		return zero, fmt.Errorf("%s: decode: %w", p.table, err)
	}
	return doc, nil
}

func (p *PostgresCollection[T]) Create(ctx context.Context, doc T) (string, error) {
	id := uuid.New().String()
	doc.SetDocID(id)
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%s: encode: %w", p.table, err)
	}
	err = p.inTx(ctx, p.table+".create", id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO `+p.table+` (id, version, doc) VALUES ($1, 1, $2)`, id, data)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *PostgresCollection[T]) Put(ctx context.Context, doc T) error {
	if doc.DocID() == "" {
		return apperr.InvalidArgument("%s: document id required", p.table)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", p.table, err)
	}
	return p.inTx(ctx, p.table+".put", doc.DocID(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO `+p.table+` (id, version, doc) VALUES ($1, 1, $2)
			ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, version = `+p.table+`.version + 1, updated_at = now()`, doc.DocID(), data)
		return err
	})
}

func (p *PostgresCollection[T]) Get(ctx context.Context, id string) (T, error) {
	_, data, err := p.read(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return p.decode(data)
}

func (p *PostgresCollection[T]) read(ctx context.Context, id string) (int64, []byte, error) {
	var version int64
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT version, doc FROM `+p.table+` WHERE id = $1`, id).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, apperr.NotFound(singular(p.table), id)
	}
	if err != nil {
		return 0, nil, mapErr(p.table+".get", err, false)
	}
	return version, data, nil
}

func (p *PostgresCollection[T]) Update(ctx context.Context, id string, mutate func(T) error) (T, error) {
	var zero T
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		version, data, err := p.read(ctx, id)
		if err != nil {
			return zero, err
		}
		doc, err := p.decode(data)
		if err != nil {
			return zero, err
		}
		if err := mutate(doc); err != nil {
			return zero, err
		}
		doc.SetDocID(id)
		next, err := json.Marshal(doc)
		if err != nil {
			return zero, fmt.Errorf("%s: encode: %w", p.table, err)
		}
		var conflict bool
		err = p.inTx(ctx, p.table+".update", id, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `UPDATE `+p.table+` SET doc = $1, version = version + 1, updated_at = now() WHERE id = $2 AND version = $3`, next, id, version)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				conflict = true
				return errConflict
			}
			return nil
		})
		if conflict {
			// someone else committed first: re-read and re-evaluate the guard
			continue
		}
		if err != nil {
			return zero, err
		}
		return doc, nil
	}
	return zero, apperr.Transient(p.table+".update", fmt.Errorf("document %s: too many concurrent writers", id))
}

func (p *PostgresCollection[T]) Merge(ctx context.Context, id string, fields map[string]any) (T, error) {
	var zero T
	patch, err := json.Marshal(fields)
	if err != nil {
		return zero, fmt.Errorf("%s: encode patch: %w", p.table, err)
	}
	var data []byte
	err = p.inTx(ctx, p.table+".merge", id, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `UPDATE `+p.table+` SET doc = doc || $1::jsonb, version = version + 1, updated_at = now() WHERE id = $2 RETURNING doc`, patch, id).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return zero, apperr.NotFound(singular(p.table), id)
	}
	if err != nil {
		return zero, err
	}
	return p.decode(data)
}

func (p *PostgresCollection[T]) List(ctx context.Context, q Query) ([]T, error) {
	if err := q.validate(); err != nil {
		return nil, apperr.InvalidArgument("%s: %v", p.table, err)
	}
	stmt, args := p.selectSQL(q)
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapErr(p.table+".list", err, false)
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, mapErr(p.table+".list", err, false)
		}
		doc, err := p.decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(p.table+".list", err, false)
	}
	return out, nil
}

// selectSQL binds field names as parameters so no caller text reaches the
// statement itself.
func (p *PostgresCollection[T]) selectSQL(q Query) (string, []any) {
	var b strings.Builder
	args := []any{}
	b.WriteString(`SELECT doc FROM ` + p.table)
	for i, pred := range q.Where {
		if i == 0 {
			b.WriteString(` WHERE `)
		} else {
			b.WriteString(` AND `)
		}
		args = append(args, pred.Field, pq.Array(pred.Values))
		fmt.Fprintf(&b, `COALESCE(doc->>$%d, '') = ANY($%d)`, len(args)-1, len(args))
	}
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		fmt.Fprintf(&b, ` ORDER BY doc->$%d`, len(args))
		if q.Desc {
			b.WriteString(` DESC`)
		}
		b.WriteString(`, id`)
	} else {
		b.WriteString(` ORDER BY id`)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args
}

func (p *PostgresCollection[T]) Subscribe(ctx context.Context, q Query) (*Subscription[T], error) {
	if err := q.validate(); err != nil {
		return nil, apperr.InvalidArgument("%s: %v", p.table, err)
	}
	// Register before the snapshot query: a change racing the snapshot is
	// delivered twice rather than lost.
	s := p.broker.add()
	snapshot, err := p.List(ctx, Query{Where: q.Where, OrderBy: q.OrderBy, Desc: q.Desc})
	if err != nil {
		p.broker.remove(s)
		return nil, err
	}
	seen := make(map[string]bool, len(snapshot))
	for _, d := range snapshot {
		seen[d.DocID()] = true
	}
	out := make(chan Change[T], 16)
	go stream(ctx, p.broker, s, q, p.newDoc, seen, out)
	return &Subscription[T]{Snapshot: snapshot, Changes: out}, nil
}

// deliver loads the committed document and hands it to subscribers.
func (p *PostgresCollection[T]) deliver(ctx context.Context, id string) error {
	_, data, err := p.read(ctx, id)
	if err != nil {
		return err
	}
	p.broker.publish(rawChange{id: id, data: data})
	return nil
}

// deliverSince republishes documents touched after t; used after the
// listener reconnects and notifications may have been missed.
func (p *PostgresCollection[T]) deliverSince(ctx context.Context, t time.Time) error {
	rows, err := p.db.QueryContext(ctx, `SELECT id, doc FROM `+p.table+` WHERE updated_at >= $1`, t)
	if err != nil {
		return mapErr(p.table+".resync", err, false)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return err
		}
		p.broker.publish(rawChange{id: id, data: data})
	}
	return rows.Err()
}

var errConflict = errors.New("version conflict")

func (p *PostgresCollection[T]) inTx(ctx context.Context, op, id string, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(op, err, false)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		if errors.Is(err, errConflict) || errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return mapErr(op, err, false)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel(), id); err != nil {
		return mapErr(op, err, false)
	}
	if err := tx.Commit(); err != nil {
		// the commit may have reached the server before the failure
		return mapErr(op, err, true)
	}
	return nil
}

// mapErr classifies driver errors. Constraint violations are caller
// errors; everything else is treated as the store being unavailable.
func mapErr(op string, err error, unknownOutcome bool) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return &apperr.Error{Kind: apperr.KindFailedPrecondition, Op: op, Err: err}
	}
	e := apperr.Transient(op, err)
	if unknownOutcome || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.UnknownOutcome = true
	}
	return e
}

type notifier interface {
	channel() string
	deliver(ctx context.Context, id string) error
	deliverSince(ctx context.Context, t time.Time) error
}

// NewPostgresStore opens the database, verifies connectivity and starts a
// LISTEN loop that feeds every collection's subscribers.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	rides := newPostgresCollection(db, RidesCollection, newRide)
	captains := newPostgresCollection(db, CaptainsCollection, newCaptain)
	emergencies := newPostgresCollection(db, EmergenciesCollection, newEmergency)
	tickets := newPostgresCollection(db, TicketsCollection, newTicket)

	l := &listener{
		logger:  logger,
		targets: map[string]notifier{},
	}
	for _, n := range []notifier{rides, captains, emergencies, tickets} {
		l.targets[n.channel()] = n
	}
	if err := l.start(dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		Rides:       rides,
		Captains:    captains,
		Emergencies: emergencies,
		Tickets:     tickets,
		ping:        db.PingContext,
		close: func() error {
			l.stop()
			return db.Close()
		},
	}, nil
}

type listener struct {
	logger  *slog.Logger
	targets map[string]notifier
	pl      *pq.Listener
	done    chan struct{}
	wg      sync.WaitGroup
}

func (l *listener) start(dsn string) error {
	l.pl = pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("store listener event", "event", int(ev), "error", err)
		}
	})
	for ch := range l.targets {
		if err := l.pl.Listen(ch); err != nil {
			_ = l.pl.Close()
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.run()
	return nil
}

func (l *listener) run() {
	defer l.wg.Done()
	lastSeen := time.Now()
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.pl.Notify:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n == nil {
				// reconnected: replay anything touched while we were away
				since := lastSeen.Add(-5 * time.Second)
				for ch, t := range l.targets {
					if err := t.deliverSince(ctx, since); err != nil {
						l.logger.Error("store resync failed", "channel", ch, "error", err)
					}
				}
			} else if t, ok := l.targets[n.Channel]; ok {
				if err := t.deliver(ctx, n.Extra); err != nil {
					l.logger.Error("store notification delivery failed", "channel", n.Channel, "id", n.Extra, "error", err)
				}
			}
			cancel()
			lastSeen = time.Now()
		case <-time.After(90 * time.Second):
			go func() { _ = l.pl.Ping() }()
		}
	}
}

func (l *listener) stop() {
	close(l.done)
	_ = l.pl.Close()
	l.wg.Wait()
}

var _ Collection[*models.Ride] = (*PostgresCollection[*models.Ride])(nil)
var _ Collection[*models.Ride] = (*MemoryCollection[*models.Ride])(nil)
