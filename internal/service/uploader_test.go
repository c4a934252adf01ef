package service_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-xy/vigil/internal/bom"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/service"
	"github.com/vigil-xy/vigil/internal/store"

	"github.com/stretchr/testify/require"
)

func TestFileName(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 10, 1, 14, 5, 6, 0, time.FixedZone("CEST", 2*60*60))
	var testCases = []struct {
		scenario string
		given    model.Delivery
		then     string
	}{
		{
			scenario: "json",
			given: model.Delivery{
				Report:      model.Report{ID: "6f1c1e9e-6d8a-4c3b-9d76-2f3b0f6f2c11", Timestamp: ts},
				ContentType: service.ContentTypeJSON,
			},
			then: "vigil-2025-10-01-12-05-06-6f1c1e9e.json",
		},
		{
			scenario: "cyclonedx",
			given: model.Delivery{
				Report:      model.Report{ID: "6f1c1e9e-6d8a-4c3b-9d76-2f3b0f6f2c11", Timestamp: ts},
				ContentType: bom.ContentType,
			},
			then: "vigil-2025-10-01-12-05-06-6f1c1e9e.cdx.json",
		},
		{
			scenario: "short id",
			given:    model.Delivery{Report: model.Report{ID: "x", Timestamp: ts}, ContentType: service.ContentTypeJSON},
			then:     "vigil-2025-10-01-12-05-06.json",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, service.FileName(tc.given))
		})
	}
}

func TestOSRootUploader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	u, err := service.NewOSRootUploader(dir)
	require.NoError(t, err)

	d := model.Delivery{
		Report:      testReport("6f1c1e9e-6d8a-4c3b-9d76-2f3b0f6f2c11"),
		Body:        []byte(`{"report":{}}`),
		ContentType: service.ContentTypeJSON,
	}
	require.NoError(t, u.Upload(t.Context(), d))
	b, err := os.ReadFile(filepath.Join(dir, service.FileName(d)))
	require.NoError(t, err)
	require.Equal(t, d.Body, b)

	// existing results are never overwritten
	require.Error(t, u.Upload(t.Context(), d))

	require.NoError(t, u.Close())
	require.Error(t, u.Upload(t.Context(), d))
	require.Error(t, u.Close())
}

func TestHistoryUploader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.db")
	u, err := service.NewHistoryUploader(t.Context(), path)
	require.NoError(t, err)

	d := model.Delivery{
		Report: testReport("6f1c1e9e-6d8a-4c3b-9d76-2f3b0f6f2c11"),
		Hash:   "sha256:00",
		Signed: true,
	}
	require.NoError(t, u.Upload(t.Context(), d))
	require.ErrorIs(t, u.Upload(t.Context(), d), store.ErrExists)
	require.NoError(t, u.Close())

	s, err := store.Open(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	got, err := s.Get(t.Context(), d.Report.ID)
	require.NoError(t, err)
	require.Equal(t, store.FromDelivery(d), got)
	require.Equal(t, model.RiskHigh, got.RiskLevel)
}
