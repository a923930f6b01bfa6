package signals

import (
	"context"

	"power-watchdog/internal/models"
)

// Source observes the external power signal.
type Source interface {
	Name() string
	// Initial reports the current state. ok is false when the source
	// cannot tell.
	Initial(ctx context.Context) (kind models.EventKind, ok bool, err error)
	// Run emits transitions until ctx is cancelled or the source fails.
	Run(ctx context.Context, emit func(models.Signal)) error
}
