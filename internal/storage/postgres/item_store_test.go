package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/Moze54/smartSpider/internal/spider"
)

func TestItemStorePutUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	item := spider.Item{
		RunID:       "run-1",
		URL:         "https://example.com/a",
		Fields:      map[string]string{"title": "Widget"},
		Fingerprint: "fp-1",
		ExtractedAt: now,
	}
	fieldsJSON, err := json.Marshal(item.Fields)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO items").
		WithArgs(item.RunID, item.Fingerprint, item.URL, fieldsJSON, item.ExtractedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Put(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStorePutRequiresKeys(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	err = store.Put(context.Background(), spider.Item{RunID: "run-1"})
	require.Error(t, err)
}

func TestItemStoreListByRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"run_id", "fingerprint", "url", "fields", "extracted_at"}).
		AddRow("run-1", "fp-1", "https://example.com/a", []byte(`{"title":"Widget"}`), now).
		AddRow("run-1", "fp-2", "https://example.com/b", []byte(`{"title":"Gadget"}`), now)
	mock.ExpectQuery("SELECT run_id, fingerprint, url, fields, extracted_at").
		WithArgs("run-1", 100, 0).
		WillReturnRows(rows)

	items, err := store.ListByRun(context.Background(), "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "Widget", items[0].Fields["title"])
	require.Equal(t, "fp-2", items[1].Fingerprint)
	require.NoError(t, mock.ExpectationsWereMet())
}
