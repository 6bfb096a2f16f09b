package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"thunderfuel/core/state"
)

// Source is the committed event log the indexer follows.
type Source interface {
	EventsSince(after uint64, limit int) ([]state.EventRecord, error)
	Subscribe(ctx context.Context, after uint64) (<-chan state.EventRecord, func(), []state.EventRecord, error)
}

// Indexer mirrors ledger events into a relational table for queries the
// key-value store cannot answer.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// New migrates db and returns an indexer writing to it.
func New(db *gorm.DB) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Indexer{db: db, logger: slog.Default(), now: time.Now}, nil
}

// SetLogger overrides the structured logger.
func (i *Indexer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		i.logger = logger
	}
}

// Handle stores record. Records already indexed are ignored, so redelivery
// is harmless.
func (i *Indexer) Handle(ctx context.Context, record state.EventRecord) error {
	if record.Event == nil {
		return nil
	}
	attributes, err := json.Marshal(record.Event.Attributes)
	if err != nil {
		return err
	}
	row := EventRow{
		ID:          uuid.New(),
		Sequence:    record.Sequence,
		Type:        record.Event.Type,
		Participant: subject(record),
		Amount:      record.Event.Attributes["amount"],
		Attributes:  string(attributes),
		IndexedAt:   i.now().UTC(),
	}
	return i.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "sequence"}}, DoNothing: true}).
		Create(&row).Error
}

func subject(record state.EventRecord) string {
	if user, ok := record.Event.Attributes["user"]; ok {
		return user
	}
	return record.Event.Attributes["authority"]
}

// LastSequence returns the highest indexed sequence, or zero when empty.
func (i *Indexer) LastSequence(ctx context.Context) (uint64, error) {
	var last uint64
	err := i.db.WithContext(ctx).Model(&EventRow{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	return last, err
}

// Sync indexes every committed event after the last indexed sequence and
// returns how many records were handled.
func (i *Indexer) Sync(ctx context.Context, src Source) (int, error) {
	last, err := i.LastSequence(ctx)
	if err != nil {
		return 0, err
	}
	records, err := src.EventsSince(last, 0)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		if err := i.Handle(ctx, record); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

// Run indexes the backlog and then follows live events until ctx ends. Gaps
// in the live stream are filled from the durable log.
func (i *Indexer) Run(ctx context.Context, src Source) error {
	last, err := i.LastSequence(ctx)
	if err != nil {
		return err
	}
	updates, cancel, backlog, err := src.Subscribe(ctx, last)
	if err != nil {
		return err
	}
	defer cancel()

	apply := func(record state.EventRecord) error {
		if record.Sequence <= last {
			return nil
		}
		if record.Sequence > last+1 {
			missed, err := src.EventsSince(last, int(record.Sequence-last-1))
			if err != nil {
				return err
			}
			for _, m := range missed {
				if err := i.Handle(ctx, m); err != nil {
					return err
				}
				last = m.Sequence
			}
			i.logger.Warn("indexer backfilled missed events", slog.Int("count", len(missed)))
		}
		if err := i.Handle(ctx, record); err != nil {
			return err
		}
		last = record.Sequence
		return nil
	}

	for _, record := range backlog {
		if err := apply(record); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			if err := apply(record); err != nil {
				return err
			}
		}
	}
}

// ByParticipant returns the most recent events for participant, newest first.
func (i *Indexer) ByParticipant(ctx context.Context, participant string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []EventRow
	err := i.db.WithContext(ctx).
		Where("participant = ?", participant).
		Order("sequence DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// CountByType returns the number of indexed events per event type.
func (i *Indexer) CountByType(ctx context.Context) (map[string]int64, error) {
	var results []struct {
		Type  string
		Total int64
	}
	err := i.db.WithContext(ctx).Model(&EventRow{}).
		Select("type, COUNT(*) AS total").
		Group("type").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(results))
	for _, r := range results {
		counts[r.Type] = r.Total
	}
	return counts, nil
}
