package engine

import (
	"fmt"
)

// Tx is the handle an event function uses to describe its effects. Next is
// the private working copy; reads should go through it so that actions see
// the writes of earlier actions in the same transaction.
type Tx[S State[S]] struct {
	Next S

	result *Result
	err    error
}

// Action records that a named action ran with the given arguments.
func (tx *Tx[S]) Action(name string, args ...any) {
	tx.result.Actions = append(tx.result.Actions, Call{Name: name, Args: snapshotArgs(args)})
}

// Set replaces the value at path.
func (tx *Tx[S]) Set(path []string, value any) error {
	return tx.write(OpSet, path, value)
}

// Add inserts value into the collection at path.
func (tx *Tx[S]) Add(path []string, value any) error {
	return tx.write(OpAdd, path, value)
}

// Remove deletes value (or a map key) from the collection at path.
func (tx *Tx[S]) Remove(path []string, value any) error {
	return tx.write(OpRemove, path, value)
}

// Write performs op, for callers that receive the op as data.
func (tx *Tx[S]) Write(op Op, path []string, value any) error {
	return tx.write(op, path, value)
}

// Trigger queues a side effect to run after a successful commit.
func (tx *Tx[S]) Trigger(name string, args ...any) {
	tx.result.Triggers = append(tx.result.Triggers, Call{Name: name, Args: snapshotArgs(args)})
}

// Err returns the first write error, which also aborts the transaction.
func (tx *Tx[S]) Err() error {
	return tx.err
}

// Result exposes the record being built.
func (tx *Tx[S]) Result() *Result {
	return tx.result
}

func (tx *Tx[S]) write(op Op, path []string, value any) error {
	if tx.err != nil {
		return tx.err
	}
	w := Write{Op: op, Path: append([]string(nil), path...), Value: value}
	if err := tx.Next.Apply(w); err != nil {
		tx.err = fmt.Errorf("%s %v: %w", op, path, err)
		return tx.err
	}
	w.Value = snapshot(value)
	tx.result.Writes = append(tx.result.Writes, w)
	return nil
}
