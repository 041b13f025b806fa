package merge

import (
	"database/sql"
	"fmt"

	"github.com/lherron/jwlmerge/internal/db"
)

type sourceBlockRange struct {
	ID           int64
	BlockType    sql.NullInt64
	Identifier   sql.NullInt64
	StartToken   sql.NullInt64
	EndToken     sql.NullInt64
	UserMarkID   sql.NullInt64
	UserMarkGUID sql.NullString
}

func loadBlockRanges(src *db.DB) ([]sourceBlockRange, error) {
	rows, err := src.Query(`
		SELECT br.BlockRangeId, br.BlockType, br.Identifier, br.StartToken, br.EndToken,
			br.UserMarkId, um.UserMarkGuid
		FROM BlockRange br
		LEFT JOIN UserMark um ON um.UserMarkId = br.UserMarkId
		ORDER BY br.BlockRangeId
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source block ranges: %w", err)
	}
	defer rows.Close()

	var out []sourceBlockRange
	for rows.Next() {
		var b sourceBlockRange
		if err := rows.Scan(&b.ID, &b.BlockType, &b.Identifier, &b.StartToken, &b.EndToken,
			&b.UserMarkID, &b.UserMarkGUID); err != nil {
			return nil, fmt.Errorf("failed to scan source block range: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source block ranges: %w", err)
	}
	return out, nil
}

// MergeBlockRanges merges highlight spans under one transaction for both
// sources. Unresolved rows are skipped; any other failure aborts the run.
func MergeBlockRanges(s *Session) error {
	err := s.inTx("merge block ranges", func(ex *executor) error {
		if ok, err := s.ensureTable(ex, "BlockRange"); err != nil || !ok {
			return err
		}
		for _, src := range Sources {
			ok, err := s.sourceHas(src, "BlockRange")
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			ranges, err := loadBlockRanges(s.Source(src))
			if err != nil {
				return err
			}
			for _, br := range ranges {
				res, err := s.mergeBlockRange(ex, src, br)
				if err != nil {
					return fmt.Errorf("block range %s/%d: %w", src, br.ID, err)
				}
				s.record(EntityBlockRange, src, br.ID, res, nil)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.summarize(EntityBlockRange)
	return nil
}

func (s *Session) resolveUserMark(src Source, guid sql.NullString, oldID sql.NullInt64) (int64, bool) {
	if guid.Valid {
		if id, ok := s.Maps.UserMarkGUID.Get(src, guid.String); ok {
			return id, true
		}
	}
	if oldID.Valid {
		return s.Maps.UserMark.Get(src, oldID.Int64)
	}
	return 0, false
}

func (s *Session) mergeBlockRange(ex db.Executor, src Source, br sourceBlockRange) (rowResult, error) {
	userMarkID, ok := s.resolveUserMark(src, br.UserMarkGUID, br.UserMarkID)
	if !ok {
		return unresolved(ReasonUnresolvedUserMark, fmt.Sprintf("UserMarkGuid %q", br.UserMarkGUID.String)), nil
	}

	id, found, err := queryID(ex, `
		SELECT BlockRangeId FROM BlockRange
		WHERE BlockType IS ? AND Identifier IS ? AND UserMarkId = ? AND StartToken IS ? AND EndToken IS ?
		LIMIT 1`,
		br.BlockType, br.Identifier, userMarkID, br.StartToken, br.EndToken)
	if err != nil || found {
		return reused(id), err
	}

	result, err := ex.Exec(`
		INSERT INTO BlockRange (BlockType, Identifier, StartToken, EndToken, UserMarkId)
		VALUES (?, ?, ?, ?, ?)`,
		br.BlockType, br.Identifier, br.StartToken, br.EndToken, userMarkID)
	if err != nil {
		return rowResult{}, err
	}
	newID, err := result.LastInsertId()
	if err != nil {
		return rowResult{}, err
	}
	return created(newID), nil
}
