package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Choice is the caller's resolution for one contested entity.
type Choice string

const (
	ChoiceSourceA Choice = "sourceA"
	ChoiceSourceB Choice = "sourceB"
	ChoiceBoth    Choice = "both"
	ChoiceIgnore  Choice = "ignore"
)

// Source returns the single source a choice selects, if any.
func (c Choice) Source() (Source, bool) {
	switch c {
	case ChoiceSourceA:
		return SourceA, true
	case ChoiceSourceB:
		return SourceB, true
	default:
		return 0, false
	}
}

func parseChoice(raw string) (Choice, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChoiceBoth, true
	}
	if src, ok := ParseSource(trimmed); ok {
		if src == SourceA {
			return ChoiceSourceA, true
		}
		return ChoiceSourceB, true
	}
	switch strings.ToLower(trimmed) {
	case "both":
		return ChoiceBoth, true
	case "ignore":
		return ChoiceIgnore, true
	default:
		return "", false
	}
}

// FieldEdits are caller overrides applied over a source row. Nil fields are
// left untouched.
type FieldEdits struct {
	Title   *string
	Content *string
	Snippet *string
	Name    *string
}

// EntityChoice is one parsed entry of the choice payload.
type EntityChoice struct {
	Index string
	// Choice is empty when the payload carried an unrecognized value.
	Choice    Choice
	RawChoice string
	IDs       map[Source]int64
	Edited    map[Source]FieldEdits

	SelectedTags          []int64
	HasSelectedTags       bool
	SelectedTagsPerSource map[Source][]int64
}

// Known reports whether the entry carried a recognized choice.
func (c EntityChoice) Known() bool {
	return c.Choice != ""
}

// SelectedTagsFor returns the tag selection that applies to the merged row
// built from src, and whether the caller supplied one at all.
func (c EntityChoice) SelectedTagsFor(src Source) ([]int64, bool) {
	if c.Choice == ChoiceBoth {
		return c.SelectedTags, c.HasSelectedTags
	}
	tags, ok := c.SelectedTagsPerSource[src]
	return tags, ok
}

// Choices is the full caller-supplied resolution payload.
type Choices struct {
	Notes     []EntityChoice
	Bookmarks []EntityChoice
	Tags      []EntityChoice
	Warnings  []string
}

type rawPayload struct {
	Notes     map[string]json.RawMessage `json:"notes"`
	Bookmarks map[string]json.RawMessage `json:"bookmarks"`
	Tags      map[string]json.RawMessage `json:"tags"`
}

type rawChoice struct {
	Choice                json.RawMessage                       `json:"choice"`
	Edited                map[string]map[string]json.RawMessage `json:"edited"`
	NoteIDs               map[string]flexID                     `json:"noteIds"`
	BookmarkIDs           map[string]flexID                     `json:"bookmarkIds"`
	TagIDs                map[string]flexID                     `json:"tagIds"`
	SelectedTags          []flexID                              `json:"selectedTags"`
	SelectedTagsPerSource map[string][]flexID                   `json:"selectedTagsPerSource"`
}

// flexID accepts a JSON number or a numeric string. Anything else decodes
// as invalid rather than failing the whole payload.
type flexID struct {
	Value int64
	Valid bool
}

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		text = strings.TrimSpace(s)
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		f.Value, f.Valid = v, true
		return nil
	}
	if v, err := strconv.ParseFloat(text, 64); err == nil && v == float64(int64(v)) {
		f.Value, f.Valid = int64(v), true
	}
	return nil
}

// LoadChoices reads a choice payload from a JSON file.
func LoadChoices(path string) (*Choices, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read choices file: %w", err)
	}
	return ParseChoices(data)
}

// ParseChoices decodes a choice payload. Malformed entries are dropped with
// a warning; only an unreadable top-level document is an error.
func ParseChoices(data []byte) (*Choices, error) {
	choices := &Choices{}
	if len(bytes.TrimSpace(data)) == 0 {
		return choices, nil
	}

	var payload rawPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse choices: %w", err)
	}

	choices.Notes = parseEntries("notes", payload.Notes, func(r rawChoice) map[string]flexID { return r.NoteIDs }, &choices.Warnings)
	choices.Bookmarks = parseEntries("bookmarks", payload.Bookmarks, func(r rawChoice) map[string]flexID { return r.BookmarkIDs }, &choices.Warnings)
	choices.Tags = parseEntries("tags", payload.Tags, func(r rawChoice) map[string]flexID { return r.TagIDs }, &choices.Warnings)
	return choices, nil
}

func parseEntries(section string, entries map[string]json.RawMessage, ids func(rawChoice) map[string]flexID, warnings *[]string) []EntityChoice {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sortIndexKeys(keys)

	out := make([]EntityChoice, 0, len(keys))
	for _, key := range keys {
		var raw rawChoice
		if err := json.Unmarshal(entries[key], &raw); err != nil {
			*warnings = append(*warnings, fmt.Sprintf("%s[%s]: malformed entry dropped: %v", section, key, err))
			continue
		}

		entry := EntityChoice{
			Index:                 key,
			IDs:                   make(map[Source]int64),
			Edited:                make(map[Source]FieldEdits),
			SelectedTagsPerSource: make(map[Source][]int64),
		}

		var choiceText string
		if len(raw.Choice) > 0 && !bytes.Equal(raw.Choice, []byte("null")) {
			if err := json.Unmarshal(raw.Choice, &choiceText); err != nil {
				choiceText = string(raw.Choice)
			}
		}
		entry.RawChoice = choiceText
		if c, ok := parseChoice(choiceText); ok {
			entry.Choice = c
		} else {
			*warnings = append(*warnings, fmt.Sprintf("%s[%s]: unknown choice %q", section, key, choiceText))
		}

		for k, v := range ids(raw) {
			src, ok := ParseSource(k)
			if !ok || !v.Valid {
				continue
			}
			entry.IDs[src] = v.Value
		}

		for k, fields := range raw.Edited {
			src, ok := ParseSource(k)
			if !ok {
				continue
			}
			entry.Edited[src] = parseEdits(fields)
		}

		if raw.SelectedTags != nil {
			entry.HasSelectedTags = true
			entry.SelectedTags = validIDs(raw.SelectedTags)
		}
		for k, v := range raw.SelectedTagsPerSource {
			src, ok := ParseSource(k)
			if !ok || v == nil {
				continue
			}
			entry.SelectedTagsPerSource[src] = validIDs(v)
		}

		out = append(out, entry)
	}
	return out
}

func parseEdits(fields map[string]json.RawMessage) FieldEdits {
	var edits FieldEdits
	for name, value := range fields {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			continue
		}
		v := s
		switch strings.ToLower(name) {
		case "title":
			edits.Title = &v
		case "content":
			edits.Content = &v
		case "snippet":
			edits.Snippet = &v
		case "name":
			edits.Name = &v
		}
	}
	return edits
}

func validIDs(ids []flexID) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id.Valid {
			out = append(out, id.Value)
		}
	}
	return out
}

// sortIndexKeys orders numeric indexes numerically and everything else
// lexically after them, so "10" follows "9".
func sortIndexKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.ParseInt(keys[i], 10, 64)
		b, bErr := strconv.ParseInt(keys[j], 10, 64)
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}
