package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChoicesSourceKeysAndIDs(t *testing.T) {
	c := mustChoices(t, `{
		"notes": {
			"10": {"choice": "file2", "noteIds": {"file1": "4", "FILE2": 7}},
			"9":  {"choice": "a", "noteIds": {"sourceA": 1, "b": 2.0}}
		}
	}`)

	require.Len(t, c.Notes, 2)
	assert.Equal(t, "9", c.Notes[0].Index, "numeric indexes sort numerically")
	assert.Equal(t, ChoiceSourceA, c.Notes[0].Choice)
	assert.Equal(t, map[Source]int64{SourceA: 1, SourceB: 2}, c.Notes[0].IDs)

	assert.Equal(t, ChoiceSourceB, c.Notes[1].Choice)
	assert.Equal(t, map[Source]int64{SourceA: 4, SourceB: 7}, c.Notes[1].IDs)
	assert.Empty(t, c.Warnings)
}

func TestParseChoicesDefaultsAndUnknown(t *testing.T) {
	c := mustChoices(t, `{
		"bookmarks": {
			"0": {"bookmarkIds": {"sourceA": 3}},
			"1": {"choice": "merge-them", "bookmarkIds": {"sourceB": 5}},
			"2": {"choice": "IGNORE", "bookmarkIds": {"sourceA": "x", "sourceC": 9}}
		}
	}`)

	require.Len(t, c.Bookmarks, 3)
	assert.Equal(t, ChoiceBoth, c.Bookmarks[0].Choice, "missing choice means both")
	assert.False(t, c.Bookmarks[1].Known())
	assert.Equal(t, "merge-them", c.Bookmarks[1].RawChoice)
	assert.Equal(t, ChoiceIgnore, c.Bookmarks[2].Choice)
	assert.Empty(t, c.Bookmarks[2].IDs, "non-numeric ids and unknown sources are dropped")
	require.Len(t, c.Warnings, 1)
	assert.Contains(t, c.Warnings[0], "merge-them")
}

func TestParseChoicesEditsAndSelectedTags(t *testing.T) {
	c := mustChoices(t, `{
		"notes": {
			"0": {
				"choice": "both",
				"noteIds": {"sourceA": 1, "sourceB": 1},
				"edited": {"sourceA": {"Title": "New title", "content": "New body"}},
				"selectedTags": [1, "2", "bad"]
			},
			"1": {
				"choice": "sourceB",
				"noteIds": {"sourceB": 3},
				"selectedTagsPerSource": {"sourceB": []}
			},
			"2": {"choice": "sourceA", "noteIds": {"sourceA": 4}}
		}
	}`)
	require.Len(t, c.Notes, 3)

	both := c.Notes[0]
	require.NotNil(t, both.Edited[SourceA].Title)
	assert.Equal(t, "New title", *both.Edited[SourceA].Title)
	assert.Equal(t, "New body", *both.Edited[SourceA].Content)
	assert.Nil(t, both.Edited[SourceB].Title)
	tags, ok := both.SelectedTagsFor(SourceB)
	assert.True(t, ok)
	assert.Equal(t, []int64{1, 2}, tags)

	tags, ok = c.Notes[1].SelectedTagsFor(SourceB)
	assert.True(t, ok, "an explicit empty list still counts as a selection")
	assert.Empty(t, tags)

	_, ok = c.Notes[2].SelectedTagsFor(SourceA)
	assert.False(t, ok)
}

func TestParseChoicesMalformed(t *testing.T) {
	_, err := ParseChoices([]byte(`{"notes": [`))
	assert.Error(t, err)

	c := mustChoices(t, `{"tags": {"0": "not-an-object"}}`)
	assert.Empty(t, c.Tags)
	assert.Len(t, c.Warnings, 1)

	c = mustChoices(t, ``)
	assert.Empty(t, c.Notes)
}

func TestParseSource(t *testing.T) {
	for _, key := range []string{"sourceA", "SOURCEA", "file1", "a", " A "} {
		src, ok := ParseSource(key)
		assert.True(t, ok, key)
		assert.Equal(t, SourceA, src, key)
	}
	_, ok := ParseSource("file3")
	assert.False(t, ok)
}
