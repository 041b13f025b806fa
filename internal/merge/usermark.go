package merge

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lherron/jwlmerge/internal/db"
)

type sourceUserMark struct {
	ID         int64
	ColorIndex sql.NullInt64
	LocationID sql.NullInt64
	StyleIndex sql.NullInt64
	GUID       sql.NullString
	Version    sql.NullInt64
}

func loadUserMarks(src *db.DB) ([]sourceUserMark, error) {
	rows, err := src.Query(`
		SELECT UserMarkId, ColorIndex, LocationId, StyleIndex, UserMarkGuid, Version
		FROM UserMark ORDER BY UserMarkId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source user marks: %w", err)
	}
	defer rows.Close()

	var out []sourceUserMark
	for rows.Next() {
		var u sourceUserMark
		if err := rows.Scan(&u.ID, &u.ColorIndex, &u.LocationID, &u.StyleIndex, &u.GUID, &u.Version); err != nil {
			return nil, fmt.Errorf("failed to scan source user mark: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source user marks: %w", err)
	}
	return out, nil
}

// MergeUserMarks merges highlights by GUID. A GUID shared with a different
// payload is split into a second row under a fresh GUID.
func MergeUserMarks(s *Session) error {
	err := s.inTx("merge user marks", func(ex *executor) error {
		if err := s.ensureMappingTable(ex, EntityUserMark); err != nil {
			return err
		}
		for _, src := range Sources {
			marks, err := loadUserMarks(s.Source(src))
			if err != nil {
				return err
			}
			for _, um := range marks {
				res, err := s.mergeUserMark(ex, src, um)
				if err != nil {
					return fmt.Errorf("user mark %s/%d: %w", src, um.ID, err)
				}
				if res.ok() && um.GUID.Valid {
					s.Maps.UserMarkGUID.Set(src, um.GUID.String, res.newID)
				}
				if err := s.track(ex, EntityUserMark, src, um.ID, res, s.Maps.UserMark); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityUserMark)
	return nil
}

func (s *Session) mergeUserMark(ex db.Executor, src Source, um sourceUserMark) (rowResult, error) {
	if id, ok, err := lookupMapping(ex, EntityUserMark, src, um.ID, "UserMark", "UserMarkId"); err != nil || ok {
		return reused(id), err
	}

	locID, ok := resolve(s.Maps.Location, src, um.LocationID)
	if !ok || !locID.Valid {
		return unresolved(ReasonUnresolvedLocation, fmt.Sprintf("LocationId %d", um.LocationID.Int64)), nil
	}

	guid := um.GUID.String
	if um.GUID.Valid && guid != "" {
		var (
			existingID int64
			existing   sourceUserMark
		)
		err := ex.QueryRow(`
			SELECT UserMarkId, ColorIndex, LocationId, StyleIndex, Version
			FROM UserMark WHERE UserMarkGuid = ?`, guid).
			Scan(&existingID, &existing.ColorIndex, &existing.LocationID, &existing.StyleIndex, &existing.Version)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return rowResult{}, err
		case sameInt(existing.ColorIndex, um.ColorIndex) && sameInt(existing.LocationID, locID) &&
			sameInt(existing.StyleIndex, um.StyleIndex) && sameInt(existing.Version, um.Version):
			return reused(existingID), nil
		default:
			// Divergent payload under a shared GUID.
			guid = uuid.NewString()
		}
	} else {
		guid = uuid.NewString()
	}

	newID, err := db.NextID(ex, "UserMark", "UserMarkId")
	if err != nil {
		return rowResult{}, err
	}
	_, err = ex.Exec(`
		INSERT INTO UserMark (UserMarkId, ColorIndex, LocationId, StyleIndex, UserMarkGuid, Version)
		VALUES (?, ?, ?, ?, ?, ?)`,
		newID, um.ColorIndex, locID, um.StyleIndex, guid, um.Version)
	if err == nil {
		return created(newID), nil
	}
	if !isConstraint(err) {
		return rowResult{}, err
	}
	if id, ok, ferr := queryID(ex, "SELECT UserMarkId FROM UserMark WHERE UserMarkGuid = ?", guid); ferr != nil || ok {
		return reused(id), ferr
	}
	return skipped(KindUniquenessConflict, ReasonUniqueness, err.Error()), nil
}
