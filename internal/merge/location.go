package merge

import (
	"database/sql"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
)

type sourceLocation struct {
	ID             int64
	BookNumber     sql.NullInt64
	ChapterNumber  sql.NullInt64
	DocumentID     sql.NullInt64
	Track          sql.NullInt64
	IssueTagNumber sql.NullInt64
	KeySymbol      sql.NullString
	MepsLanguage   sql.NullInt64
	Type           sql.NullInt64
	Title          sql.NullString
}

func loadLocations(src *db.DB) ([]sourceLocation, error) {
	rows, err := src.Query(`
		SELECT LocationId, BookNumber, ChapterNumber, DocumentId, Track, IssueTagNumber,
			KeySymbol, MepsLanguage, Type, Title
		FROM Location ORDER BY LocationId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source locations: %w", err)
	}
	defer rows.Close()

	var out []sourceLocation
	for rows.Next() {
		var l sourceLocation
		if err := rows.Scan(&l.ID, &l.BookNumber, &l.ChapterNumber, &l.DocumentID, &l.Track,
			&l.IssueTagNumber, &l.KeySymbol, &l.MepsLanguage, &l.Type, &l.Title); err != nil {
			return nil, fmt.Errorf("failed to scan source location: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source locations: %w", err)
	}
	return out, nil
}

// MergeLocations content-dedups Location rows from both sources.
func MergeLocations(s *Session) error {
	err := s.inTx("merge locations", func(ex *executor) error {
		if err := s.ensureMappingTable(ex, EntityLocation); err != nil {
			return err
		}
		for _, src := range Sources {
			locations, err := loadLocations(s.Source(src))
			if err != nil {
				return err
			}
			for _, loc := range locations {
				res, err := mergeLocation(ex, src, loc)
				if err != nil {
					return fmt.Errorf("location %s/%d: %w", src, loc.ID, err)
				}
				if err := s.track(ex, EntityLocation, src, loc.ID, res, s.Maps.Location); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityLocation)
	return nil
}

func mergeLocation(ex db.Executor, src Source, loc sourceLocation) (rowResult, error) {
	if id, ok, err := lookupMapping(ex, EntityLocation, src, loc.ID, "Location", "LocationId"); err != nil || ok {
		return reused(id), err
	}
	if id, ok, err := findLocation(ex, loc, true); err != nil || ok {
		return reused(id), err
	}

	newID, err := db.NextID(ex, "Location", "LocationId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec(`
		INSERT INTO Location (LocationId, BookNumber, ChapterNumber, DocumentId, Track, IssueTagNumber,
			KeySymbol, MepsLanguage, Type, Title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newID, loc.BookNumber, loc.ChapterNumber, loc.DocumentID, loc.Track, loc.IssueTagNumber,
		loc.KeySymbol, loc.MepsLanguage, loc.Type, loc.Title)
	if err == nil {
		return created(newID), nil
	}
	if !isConstraint(err) {
		return rowResult{}, err
	}

	// The natural key ignores the descriptive Title.
	if id, ok, ferr := findLocation(ex, loc, false); ferr != nil || ok {
		return reused(id), ferr
	}
	return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
}

func findLocation(ex db.Executor, loc sourceLocation, withTitle bool) (int64, bool, error) {
	query := `
		SELECT LocationId FROM Location
		WHERE BookNumber IS ? AND ChapterNumber IS ? AND DocumentId IS ? AND Track IS ?
		  AND IssueTagNumber IS ? AND KeySymbol IS ? AND MepsLanguage IS ? AND Type IS ?`
	args := []any{loc.BookNumber, loc.ChapterNumber, loc.DocumentID, loc.Track,
		loc.IssueTagNumber, loc.KeySymbol, loc.MepsLanguage, loc.Type}
	if withTitle {
		query += " AND Title IS ?"
		args = append(args, loc.Title)
	}
	query += " ORDER BY LocationId LIMIT 1"
	return queryID(ex, query, args...)
}
