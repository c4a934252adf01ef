package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/service"

	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) Run(context.Context) (model.Delivery, error) {
	n := r.calls.Add(1)
	if r.err != nil {
		return model.Delivery{}, r.err
	}
	report := testReport(fmt.Sprintf("%08d-0000-4000-8000-000000000000", n))
	return model.Delivery{
		Report:      report,
		Body:        []byte(report.ID + "\n"),
		ContentType: service.ContentTypeJSON,
	}, nil
}

type recordingUploader struct {
	mx  sync.Mutex
	ids []string
	err error
}

func (u *recordingUploader) Upload(_ context.Context, d model.Delivery) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	u.ids = append(u.ids, d.Report.ID)
	return u.err
}

func (u *recordingUploader) count() int {
	u.mx.Lock()
	defer u.mx.Unlock()
	return len(u.ids)
}

func TestSupervisorOneshot(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		r := &countingRunner{}
		err := service.New(r, service.NewWriteUploader(&buf)).SetOneshot(true).Do(t.Context())
		require.NoError(t, err)
		require.Equal(t, "00000001-0000-4000-8000-000000000000\n", buf.String())
		require.EqualValues(t, 1, r.calls.Load())
	})

	t.Run("scan fails", func(t *testing.T) {
		t.Parallel()
		u := &recordingUploader{}
		r := &countingRunner{err: model.ErrEnvironment}
		err := service.New(r, u).SetOneshot(true).Do(t.Context())
		require.ErrorIs(t, err, model.ErrEnvironment)
		require.Zero(t, u.count())
	})

	t.Run("upload fails", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		failing := &recordingUploader{err: boom}
		ok := &recordingUploader{}
		err := service.New(&countingRunner{}, failing, ok).SetOneshot(true).Do(t.Context())
		require.ErrorIs(t, err, boom)
		require.Equal(t, 1, ok.count())
	})
}

func TestSupervisorService(t *testing.T) {
	t.Parallel()

	u := &recordingUploader{}
	r := &countingRunner{}
	supervisor := service.New(r, u)
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	var g sync.WaitGroup
	g.Go(func() {
		err := supervisor.Do(ctx)
		require.NoError(t, err)
	})

	for i := range 3 {
		supervisor.Start()
		require.Eventually(t, func() bool { return u.count() == i+1 }, 5*time.Second, 10*time.Millisecond)
	}

	cancel()
	g.Wait()
	require.Equal(t, []string{
		"00000001-0000-4000-8000-000000000000",
		"00000002-0000-4000-8000-000000000000",
		"00000003-0000-4000-8000-000000000000",
	}, u.ids)
}

func TestSupervisorTimer(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}

	dir := t.TempDir()
	cfg := model.Service{
		Mode:     model.ServiceModeTimer,
		Schedule: &model.TimerSchedule{Duration: "PT1S"},
		Dir:      dir,
	}
	supervisor, err := service.NewSupervisor(t.Context(), cfg, &countingRunner{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	var g sync.WaitGroup
	g.Go(func() {
		err := supervisor.Do(ctx)
		require.NoError(t, err)
	})

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) >= 2
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	g.Wait()
}

func TestNewSupervisor_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    model.Service
		then     string
	}{
		{
			scenario: "timer without schedule",
			given:    model.Service{Mode: model.ServiceModeTimer},
			then:     "service.schedule is nil",
		},
		{
			scenario: "bad cron",
			given: model.Service{
				Mode:     model.ServiceModeTimer,
				Schedule: &model.TimerSchedule{Cron: "* * 32 * *"},
			},
			then: "parsing service.schedule: invalid schedule",
		},
		{
			scenario: "bad duration",
			given: model.Service{
				Mode:     model.ServiceModeTimer,
				Schedule: &model.TimerSchedule{Duration: "P2M"},
			},
			then: "invalid ISO-8601 duration",
		},
		{
			scenario: "missing directory",
			given:    model.Service{Mode: model.ServiceModeManual, Dir: "/nonexistent/vigil"},
			then:     "initializing uploaders",
		},
		{
			scenario: "repository without scheme",
			given: model.Service{
				Mode:       model.ServiceModeManual,
				Repository: &model.Repository{Enabled: true, URL: "example.com"},
			},
			then: "with a scheme",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.NewSupervisor(t.Context(), tc.given, &countingRunner{})
			require.ErrorContains(t, err, tc.then)
		})
	}
}
