package engine

import "context"

// noopContext is used for the best-effort secondary-cache calls the
// coordinator makes while already holding its own mutex: those calls
// only touch Redis, never the coordinator's own state, so there is
// nothing for a caller-supplied context to usefully cancel here.
func noopContext() context.Context { return context.Background() }
