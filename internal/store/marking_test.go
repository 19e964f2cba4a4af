package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

var testBlacklist = uuid.MustParse("7e380070-f762-11e1-a439-00145eb45e9a")

// The marking rules live entirely in two SQL statements; these assertions pin
// the clauses that carry their semantics so they cannot drift silently.
func TestMarkingRulesSQLShape(t *testing.T) {
	t.Parallel()

	// Rule 1 promotes exactly one media per non-blacklisted occurrence, the
	// one with the lowest id.
	require.Contains(t, markFirstMediaSQL, "SELECT DISTINCT ON (m.occurrence_id) m.id")
	require.Contains(t, markFirstMediaSQL, "ORDER BY m.occurrence_id, m.id")
	require.Contains(t, markFirstMediaSQL, "WHERE o.dataset_key != $1")

	// Rule 2 promotes every media of species strictly below the threshold,
	// counting only non-blacklisted occurrences.
	require.Contains(t, markSparseSpeciesSQL, "WHERE o2.dataset_key != $1")
	require.Contains(t, markSparseSpeciesSQL, "GROUP BY o2.species_id")
	require.Contains(t, markSparseSpeciesSQL, "HAVING count(o2.id) < $2")
}

func TestMarkFirstMediaPerOccurrence(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(markFirstMediaSQL)).
		WithArgs(testBlacklist).
		WillReturnResult(pgxmock.NewResult("UPDATE", 120))

	n, err := store.MarkFirstMediaPerOccurrence(context.Background(), testBlacklist)
	require.NoError(t, err)
	require.Equal(t, int64(120), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAllMediaForSparseSpecies(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(markSparseSpeciesSQL)).
		WithArgs(testBlacklist, int64(30)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 17))

	n, err := store.MarkAllMediaForSparseSpecies(context.Background(), testBlacklist, 30)
	require.NoError(t, err)
	require.Equal(t, int64(17), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountDownloadable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT count").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(137)))

	n, err := store.CountDownloadable(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(137), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDownloadable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	code := int32(200)

	mock.ExpectQuery("SELECT m.id, m.url").
		WithArgs(100000, 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "status_code", "key", "valid_name"}).
			AddRow(int64(1), "https://img.example.org/a.jpg", (*int32)(nil), int64(5006700126), "Lucanus cervus (Linnaeus, 1758)").
			AddRow(int64(2), "https://img.example.org/b.jpg", &code, int64(5006700127), "Lucanus cervus (Linnaeus, 1758)"))

	items, err := store.ListDownloadable(context.Background(), 100000, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Nil(t, items[0].StatusCode)
	require.Equal(t, int32(200), *items[1].StatusCode)
	require.Equal(t, int64(5006700126), items[0].OccurrenceKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCropPending(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, path").
		WithArgs(1000, 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "path"}).
			AddRow(int64(4), "lucanus-cervus/5006700126_0001.jpg"))

	items, err := store.ListCropPending(context.Background(), 1000, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(4), items[0].MediaID)
	require.NoError(t, mock.ExpectationsWereMet())
}
