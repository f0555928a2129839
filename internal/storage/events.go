package storage

import "github.com/Kanishka8375/RedTeamingAI/internal/event"

// EventWriter is the interface for exporting finalized events to the
// analytics store. Write() must NEVER block the caller; Postgres remains
// the source of truth and the export is best-effort.
type EventWriter interface {
	Write(ev *event.LoggedEvent)
	Close()
}
