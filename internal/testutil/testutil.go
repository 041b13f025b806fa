package testutil

import (
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// Schema is a trimmed JW Library userData.db schema.
//
//go:embed testdata/userdata.sql
var Schema string

// UserData is a writable source database built from Schema.
type UserData struct {
	t    *testing.T
	DB   *sql.DB
	Path string
}

// NewUserData creates dir/name with the userData schema applied.
func NewUserData(t *testing.T, dir, name string) *UserData {
	t.Helper()
	path := filepath.Join(dir, name)
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to create user data %s: %v", path, err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() {
		database.Close()
	})
	if _, err := database.Exec(Schema); err != nil {
		t.Fatalf("Failed to apply user data schema: %v", err)
	}
	return &UserData{t: t, DB: database, Path: path}
}

// Exec runs a statement and fails the test on error.
func (u *UserData) Exec(query string, args ...any) {
	u.t.Helper()
	if _, err := u.DB.Exec(query, args...); err != nil {
		u.t.Fatalf("Exec %q: %v", query, err)
	}
}

// Count returns the number of rows in table matching an optional WHERE clause.
func (u *UserData) Count(table, where string, args ...any) int {
	u.t.Helper()
	return Count(u.t, u.DB, table, where, args...)
}

// AddBibleLocation inserts a Bible chapter location.
func (u *UserData) AddBibleLocation(id int64, book, chapter int, keySymbol string) {
	u.t.Helper()
	u.Exec(`INSERT INTO Location (LocationId, BookNumber, ChapterNumber, KeySymbol, MepsLanguage, Type)
		VALUES (?, ?, ?, ?, 0, 0)`, id, book, chapter, keySymbol)
}

// AddPublicationLocation inserts a document location.
func (u *UserData) AddPublicationLocation(id int64, keySymbol string, documentID int64, title string) {
	u.t.Helper()
	u.Exec(`INSERT INTO Location (LocationId, DocumentId, KeySymbol, MepsLanguage, Type, Title)
		VALUES (?, ?, ?, 0, 0, ?)`, id, documentID, keySymbol, title)
}

// AddMedia inserts an IndependentMedia row.
func (u *UserData) AddMedia(id int64, filename, filePath, hash string) {
	u.t.Helper()
	u.Exec(`INSERT INTO IndependentMedia (IndependentMediaId, OriginalFilename, FilePath, MimeType, Hash)
		VALUES (?, ?, ?, 'image/jpeg', ?)`, id, filename, filePath, hash)
}

// AddUserMark inserts a highlight.
func (u *UserData) AddUserMark(id, locationID int64, guid string, color int) {
	u.t.Helper()
	u.Exec(`INSERT INTO UserMark (UserMarkId, ColorIndex, LocationId, StyleIndex, UserMarkGuid, Version)
		VALUES (?, ?, ?, 0, ?, 1)`, id, color, locationID, guid)
}

// AddBlockRange inserts a highlighted span for a user mark.
func (u *UserData) AddBlockRange(id, userMarkID int64, identifier, start, end int) {
	u.t.Helper()
	u.Exec(`INSERT INTO BlockRange (BlockRangeId, BlockType, Identifier, StartToken, EndToken, UserMarkId)
		VALUES (?, 1, ?, ?, ?, ?)`, id, identifier, start, end, userMarkID)
}

// AddNote inserts a note. userMarkID and locationID may be nil.
func (u *UserData) AddNote(id int64, guid string, userMarkID, locationID any, title, content string) {
	u.t.Helper()
	u.Exec(`INSERT INTO Note (NoteId, Guid, UserMarkId, LocationId, Title, Content, LastModified, Created)
		VALUES (?, ?, ?, ?, ?, ?, '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
		id, guid, userMarkID, locationID, title, content)
}

// AddBookmark inserts a bookmark.
func (u *UserData) AddBookmark(id, locationID, publicationID int64, slot int, title string) {
	u.t.Helper()
	u.Exec(`INSERT INTO Bookmark (BookmarkId, LocationId, PublicationLocationId, Slot, Title, Snippet)
		VALUES (?, ?, ?, ?, ?, 'snippet')`, id, locationID, publicationID, slot, title)
}

// AddTag inserts a tag. Type 1 is a user tag, type 2 a playlist.
func (u *UserData) AddTag(id int64, typ int, name string) {
	u.t.Helper()
	u.Exec("INSERT INTO Tag (TagId, Type, Name) VALUES (?, ?, ?)", id, typ, name)
}

// AddTagMap inserts a tag assignment. Target columns may be nil.
func (u *UserData) AddTagMap(id int64, playlistItemID, locationID, noteID any, tagID int64, position int) {
	u.t.Helper()
	u.Exec(`INSERT INTO TagMap (TagMapId, PlaylistItemId, LocationId, NoteId, TagId, Position)
		VALUES (?, ?, ?, ?, ?, ?)`, id, playlistItemID, locationID, noteID, tagID, position)
}

// AddPlaylistItem inserts a playlist item with accuracy 1.
func (u *UserData) AddPlaylistItem(id int64, label string, thumbnail any) {
	u.t.Helper()
	u.Exec(`INSERT INTO PlaylistItem (PlaylistItemId, Label, StartTrimOffsetTicks, EndTrimOffsetTicks, Accuracy,
		EndAction, ThumbnailFilePath) VALUES (?, ?, NULL, NULL, 1, 0, ?)`, id, label, thumbnail)
}

// AddPlaylistLocation links a playlist item to a location.
func (u *UserData) AddPlaylistLocation(itemID, locationID int64) {
	u.t.Helper()
	u.Exec(`INSERT INTO PlaylistItemLocationMap (PlaylistItemId, LocationId, MajorMultimediaType, BaseDurationTicks)
		VALUES (?, ?, 1, NULL)`, itemID, locationID)
}

// AddPlaylistMedia links a playlist item to an independent media file.
func (u *UserData) AddPlaylistMedia(itemID, mediaID int64) {
	u.t.Helper()
	u.Exec(`INSERT INTO PlaylistItemIndependentMediaMap (PlaylistItemId, IndependentMediaId, DurationTicks)
		VALUES (?, ?, 40000000)`, itemID, mediaID)
}

// AddMarker inserts a playlist item marker.
func (u *UserData) AddMarker(id, itemID int64, label string, start int64) {
	u.t.Helper()
	u.Exec(`INSERT INTO PlaylistItemMarker (PlaylistItemMarkerId, PlaylistItemId, Label, StartTimeTicks,
		DurationTicks, EndTransitionDurationTicks) VALUES (?, ?, ?, ?, 10000000, 0)`, id, itemID, label, start)
}

// AddInputField inserts a form field value. value may be nil.
func (u *UserData) AddInputField(locationID int64, tag string, value any) {
	u.t.Helper()
	u.Exec("INSERT INTO InputField (LocationId, TextTag, Value) VALUES (?, ?, COALESCE(?, ''))", locationID, tag, value)
}

// OpenDB opens an existing database file for assertions.
func OpenDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// Count returns the number of rows in table matching an optional WHERE clause.
func Count(t *testing.T, database *sql.DB, table, where string, args ...any) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := database.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Count %s: %v", table, err)
	}
	return n
}

// WriteFile writes content to a file in dir and returns its path
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}
