// Package watch streams invalidation events to a terminal or a pipe.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/canopy/internal/invalidation"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	// OutputFormatDefault writes one human-readable line per event
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON writes one JSON object per line
	OutputFormatJSON OutputFormat = "json"
)

// EventSource is satisfied by *invalidation.Subscription.
type EventSource interface {
	Events() <-chan invalidation.Event
	Errors() <-chan error
}

// StreamInvalidations writes events from src until ctx is done, the source
// reports an error, or either of its channels closes. An empty tenantID streams
// every tenant.
func StreamInvalidations(ctx context.Context, src EventSource, tenantID string, format OutputFormat, w io.Writer) error {
	enc := json.NewEncoder(w)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-src.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("invalidation stream failed: %w", err)

		case event, ok := <-src.Events():
			if !ok {
				return nil
			}
			if tenantID != "" && event.Ref.TenantID != tenantID {
				continue
			}

			if format == OutputFormatJSON {
				if err := enc.Encode(event); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
				continue
			}
			fmt.Fprintf(w, "[%s] 🔄 invalidated %s (origin %s)\n",
				event.SentAt.Local().Format(time.TimeOnly), event.Ref, shortOrigin(event.Origin))
		}
	}
}

func shortOrigin(origin string) string {
	if len(origin) > 8 {
		return origin[:8]
	}
	return origin
}
