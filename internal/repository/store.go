package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trailpass/internal/apperr"
)

// ErrNotFound es el resultado vacio tipado de todas las lecturas.
var ErrNotFound = apperr.New(apperr.KindNotFound, "not found")

// DBTX es el subconjunto de pgx usado por los repositorios.
// Lo implementan *pgxpool.Pool y pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxStarter agrega Begin a DBTX.
type TxStarter interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Queries entrega repositorios ligados a un handle (pool o transaccion).
type Queries interface {
	Users() UserRepository
	OTPs() OTPRepository
	EmergencyContacts() EmergencyContactRepository
	Passes() PassRepository
}

// Storage es el contrato del Credential Store consumido por los servicios.
type Storage interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

type handleQueries struct {
	db DBTX
}

func (h handleQueries) Users() UserRepository { return NewPgUserRepository(h.db) }
func (h handleQueries) OTPs() OTPRepository   { return NewPgOTPRepository(h.db) }
func (h handleQueries) EmergencyContacts() EmergencyContactRepository {
	return NewPgEmergencyContactRepository(h.db)
}
func (h handleQueries) Passes() PassRepository { return NewPgPassRepository(h.db) }

// Store implementa Storage sobre un pool de pgx.
type Store struct {
	handleQueries
	db TxStarter
}

func NewStore(db TxStarter) *Store {
	return &Store{handleQueries: handleQueries{db: db}, db: db}
}

// WithTx ejecuta fn dentro de una transaccion: commit si fn devuelve nil,
// rollback ante error o panic (el panic se relanza).
func (s *Store) WithTx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = classify("commit tx", cerr)
		}
	}()

	return fn(handleQueries{db: tx})
}

const uniqueViolation = "23505"

// classify reclasifica errores de pgx en errores tipados.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.E(apperr.KindConflict, "already exists", fmt.Errorf("%s: %w", op, err))
	}
	return apperr.Upstream("store: "+op, err)
}
