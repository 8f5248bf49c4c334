package ports

import "context"

// Token is an admission granted by a Gate. Granted may be lower than the
// requested weight; it is always at least 1.
type Token struct {
	ID      string
	Granted int
}

// Gate bounds the total batch concurrency of the process (or of a cluster of
// replicas sharing a backend).
type Gate interface {
	// Acquire asks for weight slots. It blocks until at least one slot is free
	// or the context is done, and grants as many slots as are available up to
	// weight. A weight below 1 counts as 1.
	Acquire(ctx context.Context, weight int) (Token, error)

	// Release returns the slots held by token. Releasing an unknown token is an error.
	Release(ctx context.Context, token Token) error
}
