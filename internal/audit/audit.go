package audit

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/parash93/kdm-procurex-backend/internal/domain"
	"github.com/parash93/kdm-procurex-backend/internal/store"
)

// Entry is one business event to be recorded. Previous and New are
// serialized as JSON snapshots; a nil snapshot is stored empty.
type Entry struct {
	EntityType string
	EntityID   string
	Action     string
	Actor      domain.Actor
	Previous   any
	New        any
	Metadata   map[string]string
}

// Sink records business events. A sink failure must never fail the
// operation that produced the event.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// LedgerSink persists entries through the repository. Write failures are
// logged and swallowed.
type LedgerSink struct {
	repo store.Repository
	log  *logrus.Logger
}

func NewLedgerSink(repo store.Repository, log *logrus.Logger) *LedgerSink {
	if log == nil {
		log = logrus.New()
	}
	return &LedgerSink{repo: repo, log: log}
}

func (s *LedgerSink) Record(ctx context.Context, entry Entry) {
	row := domain.AuditLog{
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		ActorID:      entry.Actor.Username,
		ActorName:    entry.Actor.Username,
		PreviousData: marshalSnapshot(entry.Previous),
		NewData:      marshalSnapshot(entry.New),
		Metadata:     marshalSnapshot(entry.Metadata),
	}
	if err := s.repo.CreateAuditLog(ctx, row); err != nil {
		s.log.WithFields(logrus.Fields{
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"action":      entry.Action,
		}).WithError(err).Warn("audit log write failed")
	}
}

func marshalSnapshot(v any) string {
	if v == nil {
		return ""
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(payload)
}

// NopSink discards every entry.
type NopSink struct{}

func (NopSink) Record(_ context.Context, _ Entry) {}
