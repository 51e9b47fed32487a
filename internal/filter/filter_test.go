package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/parley/internal/timespec"
	"github.com/dyluth/parley/pkg/forum"
)

var base = time.Date(2025, 10, 29, 12, 0, 0, 0, time.UTC)

func msg(id int64, author, text string, offset time.Duration) forum.Message {
	return forum.Message{ID: id, ChannelID: 1, AuthorName: author, Text: text, CreatedAt: base.Add(offset)}
}

func TestCriteria_Matches(t *testing.T) {
	m := msg(1, "Ann Lee", "Deploy finished on prod", 0)

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"empty criteria match all", Criteria{}, true},
		{"inside window", Criteria{Window: timespec.Range{Since: base.Add(-time.Minute), Until: base.Add(time.Minute)}}, true},
		{"before window", Criteria{Window: timespec.Range{Since: base.Add(time.Second)}}, false},
		{"until is exclusive", Criteria{Window: timespec.Range{Until: base}}, false},
		{"author glob", Criteria{AuthorGlob: "ann*"}, true},
		{"author glob is case-insensitive", Criteria{AuthorGlob: "ANN LEE"}, true},
		{"author mismatch", Criteria{AuthorGlob: "bob*"}, false},
		{"malformed glob never matches", Criteria{AuthorGlob: "[ann"}, false},
		{"text substring", Criteria{Text: "deploy"}, true},
		{"text mismatch", Criteria{Text: "rollback"}, false},
		{"all criteria ANDed", Criteria{AuthorGlob: "ann*", Text: "prod", Window: timespec.Range{Since: base.Add(-time.Hour)}}, true},
		{"one failing criterion rejects", Criteria{AuthorGlob: "ann*", Text: "staging"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(&m))
		})
	}
}

func TestCriteria_HasFilters(t *testing.T) {
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{Text: "x"}).HasFilters())
	assert.True(t, (&Criteria{AuthorGlob: "x"}).HasFilters())
	assert.True(t, (&Criteria{Window: timespec.Range{Until: base}}).HasFilters())
}

func TestCriteria_Validate(t *testing.T) {
	require.NoError(t, (&Criteria{}).Validate())
	require.NoError(t, (&Criteria{AuthorGlob: "a?n*"}).Validate())
	require.Error(t, (&Criteria{AuthorGlob: "[ann"}).Validate())
}

func TestCriteria_Apply(t *testing.T) {
	messages := []forum.Message{
		msg(1, "Ann", "morning all", 0),
		msg(2, "Bob", "deploy started", time.Minute),
		msg(3, "Ann", "deploy finished", 2*time.Minute),
	}

	t.Run("no filters returns input", func(t *testing.T) {
		c := Criteria{}
		assert.Equal(t, messages, c.Apply(messages))
	})

	t.Run("keeps order", func(t *testing.T) {
		c := Criteria{Text: "deploy"}
		got := c.Apply(messages)
		require.Len(t, got, 2)
		assert.Equal(t, int64(2), got[0].ID)
		assert.Equal(t, int64(3), got[1].ID)
	})

	t.Run("nothing matches", func(t *testing.T) {
		c := Criteria{AuthorGlob: "cat"}
		assert.Empty(t, c.Apply(messages))
	})
}
