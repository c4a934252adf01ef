package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/store"

	"github.com/stretchr/testify/require"
)

func scanAt(id string, ts time.Time, level model.RiskLevel) store.Scan {
	return store.Scan{
		ID:          id,
		Timestamp:   ts,
		Hostname:    "web-1",
		RiskLevel:   level,
		TotalIssues: 2,
		High:        1,
		Low:         1,
		Hash:        "sha256:00",
		Signed:      true,
	}
}

func TestStore(t *testing.T) {
	t.Parallel()

	s, err := store.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	base := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	first := scanAt("a", base, model.RiskHigh)
	second := scanAt("b", base.Add(500*time.Millisecond), model.RiskLow)
	third := scanAt("c", base.Add(time.Second), model.RiskClean)
	for _, scan := range []store.Scan{first, third, second} {
		require.NoError(t, s.Record(t.Context(), scan))
	}

	err = s.Record(t.Context(), first)
	require.ErrorIs(t, err, store.ErrExists)

	got, err := s.Get(t.Context(), "b")
	require.NoError(t, err)
	require.Equal(t, second, got)

	_, err = s.Get(t.Context(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.List(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, []store.Scan{third, second, first}, all)

	latest, err := s.List(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, []store.Scan{third}, latest)

	require.NoError(t, s.Delete(t.Context(), "c"))
	require.ErrorIs(t, s.Delete(t.Context(), "c"), store.ErrNotFound)
}

func TestStoreReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.db")
	s, err := store.Open(t.Context(), path)
	require.NoError(t, err)
	ts := time.Date(2025, 10, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	require.NoError(t, s.Record(t.Context(), scanAt("a", ts, model.RiskHigh)))
	require.NoError(t, s.Close())

	s, err = store.Open(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	got, err := s.Get(t.Context(), "a")
	require.NoError(t, err)
	require.True(t, ts.Equal(got.Timestamp))
	require.Equal(t, time.UTC, got.Timestamp.Location())
}

func TestFromDelivery(t *testing.T) {
	t.Parallel()

	d := model.Delivery{
		Report: model.Report{
			ID:        "id-1",
			Timestamp: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC),
			Hostname:  "db-1",
			Summary:   model.Summary{TotalIssues: 1, Critical: 1, RiskLevel: model.RiskCritical},
		},
		Hash:   "sha256:ab",
		Signed: false,
	}
	require.Equal(t, store.Scan{
		ID:          "id-1",
		Timestamp:   d.Report.Timestamp,
		Hostname:    "db-1",
		RiskLevel:   model.RiskCritical,
		TotalIssues: 1,
		Critical:    1,
		Hash:        "sha256:ab",
	}, store.FromDelivery(d))
}
