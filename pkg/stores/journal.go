package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modrunner/pkg/telemetry"
)

const journalWriteTimeout = 5 * time.Second

// Journal writes lifecycle events from a telemetry.EventPublisher into a
// Store. Finished installs are also recorded as install records.
type Journal struct {
	store  Store
	logger zerolog.Logger
}

// NewJournal creates a journal writing to store.
func NewJournal(store Store, logger zerolog.Logger) *Journal {
	return &Journal{
		store:  store,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// Attach subscribes the journal to every event of ep.
func (j *Journal) Attach(ep *telemetry.EventPublisher) {
	ep.Subscribe(j.Handle, nil)
}

// Handle journals one event. Write failures are logged and never reach the
// publisher.
func (j *Journal) Handle(e telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	rec, err := eventRecord(e)
	if err != nil {
		j.logger.Warn().Err(err).Str("event", e.ID).Msg("Failed to encode event")
		return
	}
	if err := j.store.AppendEvent(ctx, rec); err != nil {
		j.logger.Warn().Err(err).Str("event", e.ID).Msg("Failed to journal event")
	}

	if inst := installRecord(e); inst != nil {
		if err := j.store.RecordInstall(ctx, inst); err != nil {
			j.logger.Warn().Err(err).Str("module", e.ModuleID).Msg("Failed to record install")
		}
	}
}

func eventRecord(e telemetry.Event) (*EventRecord, error) {
	rec := &EventRecord{
		EventID:   e.ID,
		Type:      e.Type,
		Level:     EventLevel(e.Level),
		Source:    e.Source,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if e.ModuleID != "" {
		id := e.ModuleID
		rec.ModuleID = &id
	}
	if len(e.Data) > 0 {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		s := string(data)
		rec.Data = &s
	}
	return rec, nil
}

// installRecord derives an install record from installed and
// install_failed events, or returns nil.
func installRecord(e telemetry.Event) *InstallRecord {
	rec := &InstallRecord{
		ModuleID:   e.ModuleID,
		Version:    stringField(e.Data, "version"),
		Source:     stringField(e.Data, "source"),
		RecordedAt: e.Timestamp,
	}

	switch e.Type {
	case telemetry.EventTypeInstalled:
		rec.Status = InstallStatusInstalled
		if p := stringField(e.Data, "path"); p != "" {
			rec.Path = &p
		}
		if secs, ok := e.Data["duration"].(float64); ok {
			rec.Duration = time.Duration(secs * float64(time.Second))
		}
	case telemetry.EventTypeInstallFailed:
		rec.Status = InstallStatusFailed
		if c := stringField(e.Data, "code"); c != "" {
			rec.Code = &c
		}
		if r := stringField(e.Data, "reason"); r != "" {
			rec.Reason = &r
		}
	default:
		return nil
	}
	return rec
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}
