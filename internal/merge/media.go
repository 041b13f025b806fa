package merge

import (
	"database/sql"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
)

type sourceMedia struct {
	ID               int64
	OriginalFilename sql.NullString
	FilePath         sql.NullString
	MimeType         sql.NullString
	Hash             sql.NullString
}

func loadMedia(src *db.DB) ([]sourceMedia, error) {
	rows, err := src.Query(`
		SELECT IndependentMediaId, OriginalFilename, FilePath, MimeType, Hash
		FROM IndependentMedia ORDER BY IndependentMediaId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source media: %w", err)
	}
	defer rows.Close()

	var out []sourceMedia
	for rows.Next() {
		var m sourceMedia
		if err := rows.Scan(&m.ID, &m.OriginalFilename, &m.FilePath, &m.MimeType, &m.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan source media: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source media: %w", err)
	}
	return out, nil
}

// MergeIndependentMedia dedups media registrations by filename, path and
// hash. The first writer's MimeType is kept.
func MergeIndependentMedia(s *Session) error {
	err := s.inTx("merge independent media", func(ex *executor) error {
		if ok, err := s.ensureTable(ex, "IndependentMedia"); err != nil || !ok {
			return err
		}
		if err := s.ensureMappingTable(ex, EntityIndependentMedia); err != nil {
			return err
		}
		for _, src := range Sources {
			ok, err := s.sourceHas(src, "IndependentMedia")
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			media, err := loadMedia(s.Source(src))
			if err != nil {
				return err
			}
			for _, m := range media {
				res, err := mergeMediaRow(ex, src, m)
				if err != nil {
					return fmt.Errorf("media %s/%d: %w", src, m.ID, err)
				}
				if err := s.track(ex, EntityIndependentMedia, src, m.ID, res, s.Maps.IndependentMedia); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityIndependentMedia)
	return nil
}

func mergeMediaRow(ex db.Executor, src Source, m sourceMedia) (rowResult, error) {
	if id, ok, err := lookupMapping(ex, EntityIndependentMedia, src, m.ID, "IndependentMedia", "IndependentMediaId"); err != nil || ok {
		return reused(id), err
	}
	if id, ok, err := findMedia(ex, m); err != nil || ok {
		return reused(id), err
	}

	newID, err := db.NextID(ex, "IndependentMedia", "IndependentMediaId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec(`
		INSERT INTO IndependentMedia (IndependentMediaId, OriginalFilename, FilePath, MimeType, Hash)
		VALUES (?, ?, ?, ?, ?)`,
		newID, m.OriginalFilename, m.FilePath, m.MimeType, m.Hash)
	if err == nil {
		return created(newID), nil
	}
	if !isConstraint(err) {
		return rowResult{}, err
	}

	// FilePath is unique on its own in the application schema.
	if id, ok, ferr := queryID(ex, "SELECT IndependentMediaId FROM IndependentMedia WHERE FilePath IS ? LIMIT 1", m.FilePath); ferr != nil || ok {
		return reused(id), ferr
	}
	return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
}

func findMedia(ex db.Executor, m sourceMedia) (int64, bool, error) {
	return queryID(ex, `
		SELECT IndependentMediaId FROM IndependentMedia
		WHERE OriginalFilename IS ? AND FilePath IS ? AND Hash IS ?
		ORDER BY IndependentMediaId LIMIT 1`,
		m.OriginalFilename, m.FilePath, m.Hash)
}
