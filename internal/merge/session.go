package merge

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
	"go.uber.org/zap"
)

const defaultMaxSlotProbes = 64

// Session carries everything one merge run shares between components: the
// open handles, the accumulated id mappings, the caller's choices and the
// report being built.
type Session struct {
	Merged  *db.DB
	sources map[Source]*db.DB

	Maps    *Mappings
	Choices *Choices
	Report  *Report
	Log     *zap.Logger

	// MaxSlotProbes bounds Bookmark slot and TagMap position probing.
	MaxSlotProbes int

	// excluded holds source rows a choice entry withdrew from auto-include.
	excluded map[Entity]*IDMap
	// droppedTags holds source tags a tag choice marked ignore.
	droppedTags *IDMap
	// deferred holds views and triggers installed after the data is merged.
	deferred []db.SchemaObject
	// mapped tracks which MergeMapping tables exist in the merged database.
	mapped map[Entity]bool
}

// NewSession wires a session around already-open handles. Choices and
// logger may be nil.
func NewSession(merged, sourceA, sourceB *db.DB, choices *Choices, log *zap.Logger) *Session {
	if choices == nil {
		choices = &Choices{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		Merged:        merged,
		sources:       map[Source]*db.DB{SourceA: sourceA, SourceB: sourceB},
		Maps:          NewMappings(),
		Choices:       choices,
		Report:        newReport(),
		Log:           log,
		MaxSlotProbes: defaultMaxSlotProbes,
		excluded:      make(map[Entity]*IDMap),
		droppedTags:   NewIDMap(),
		mapped:        make(map[Entity]bool),
	}
}

// Source returns the handle of one input database.
func (s *Session) Source(src Source) *db.DB {
	return s.sources[src]
}

// sourceHas reports whether a source carries a table.
func (s *Session) sourceHas(src Source, table string) (bool, error) {
	return db.HasTable(s.Source(src), table)
}

// executor runs statements inside a transaction when one is open, and on the
// database otherwise.
type executor struct {
	db *db.DB
	tx *sql.Tx
}

func (e *executor) Exec(query string, args ...any) (sql.Result, error) {
	if e.tx != nil {
		return e.tx.Exec(query, args...)
	}
	return e.db.Exec(query, args...)
}

func (e *executor) Query(query string, args ...any) (*sql.Rows, error) {
	if e.tx != nil {
		return e.tx.Query(query, args...)
	}
	return e.db.Query(query, args...)
}

func (e *executor) QueryRow(query string, args ...any) *sql.Row {
	if e.tx != nil {
		return e.tx.QueryRow(query, args...)
	}
	return e.db.QueryRow(query, args...)
}

// inTx runs fn inside one transaction on the merged database. Any error
// from fn rolls the transaction back and is returned as a structural failure
// unless it already carries a kind.
func (s *Session) inTx(op string, fn func(ex *executor) error) error {
	tx, err := s.Merged.Begin()
	if err != nil {
		return structural(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	ex := &executor{db: s.Merged, tx: tx}
	if err := fn(ex); err != nil {
		tx.Rollback()
		var me *Error
		if errors.As(err, &me) {
			return err
		}
		return structural(op, err)
	}
	if err := tx.Commit(); err != nil {
		return structural(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// record folds a row outcome into the report and, on success, into ids.
func (s *Session) record(entity Entity, src Source, oldID int64, res rowResult, ids *IDMap) {
	c := s.Report.Counts(entity)
	c.Seen++
	switch res.outcome {
	case outcomeCreated:
		c.Created++
	case outcomeReused:
		c.Reused++
	case outcomeSkipped:
		c.Skipped++
		s.Report.addSkip(SkipRecord{
			Entity: entity,
			Source: sourceLabel(src),
			OldID:  oldID,
			Kind:   res.kind,
			Reason: res.reason,
			Detail: res.detail,
		})
		s.Log.Debug("row skipped",
			zap.String("entity", string(entity)),
			zap.String("source", sourceLabel(src)),
			zap.Int64("old_id", oldID),
			zap.String("reason", string(res.reason)),
			zap.String("detail", res.detail),
		)
		return
	}
	if ids != nil && src != 0 {
		ids.Set(src, oldID, res.newID)
	}
}

func sourceLabel(src Source) string {
	if src == 0 {
		return ""
	}
	return src.Key()
}

// summarize logs one line per component.
func (s *Session) summarize(entities ...Entity) {
	for _, entity := range entities {
		c := s.Report.Counts(entity)
		fields := []zap.Field{
			zap.String("entity", string(entity)),
			zap.Int("seen", c.Seen),
			zap.Int("created", c.Created),
			zap.Int("reused", c.Reused),
			zap.Int("skipped", c.Skipped),
		}
		if c.Skipped == 0 {
			s.Log.Info("merged", fields...)
			continue
		}
		for reason, n := range s.Report.SkipsByReason(entity) {
			fields = append(fields, zap.Int(string(reason), n))
		}
		s.Log.Warn("merged with skipped rows", fields...)
	}
}

func (s *Session) exclude(entity Entity, src Source, oldID int64) {
	m, ok := s.excluded[entity]
	if !ok {
		m = NewIDMap()
		s.excluded[entity] = m
	}
	m.Set(src, oldID, 0)
}

func (s *Session) isExcluded(entity Entity, src Source, oldID int64) bool {
	m, ok := s.excluded[entity]
	return ok && m.Has(src, oldID)
}
