package postgres

import "fmt"

// ErrNotFound is returned by row-affecting operations whose target id does
// not exist. Read paths use the (nil, nil) convention instead.
var ErrNotFound = fmt.Errorf("postgres: not found")

func checkRowsAffected(n int64, entity string) error {
	if n == 0 {
		return fmt.Errorf("postgres: %s: %w", entity, ErrNotFound)
	}
	return nil
}
