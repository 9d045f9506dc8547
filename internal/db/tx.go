package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Tx is a unit of work that collects callbacks to run once it has committed.
type Tx struct {
	*sqlx.Tx
	afterCommit []func()
}

// AfterCommit registers fn to run after a successful commit.
// Callbacks are dropped when the transaction rolls back.
func (tx *Tx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

// RunInTx runs fn inside one transaction. The transaction commits when fn returns nil
// and rolls back otherwise, including on panic.
func RunInTx(ctx context.Context, db *sqlx.DB, fn func(tx *Tx) error) (err error) {
	sqlTx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			slog.Warn("transaction rollback", "error", rbErr)
		}
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, hook := range tx.afterCommit {
		runHook(hook)
	}
	return nil
}

func runHook(hook func()) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("after commit hook panic", "panic", p)
		}
	}()
	hook()
}
