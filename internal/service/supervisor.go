package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/vigil-xy/vigil/internal/model"
)

// Runner runs one scan, see Pipeline.
type Runner interface {
	Run(ctx context.Context) (model.Delivery, error)
}

type result struct {
	delivery model.Delivery
	err      error
}

type Supervisor struct {
	runner    Runner
	start     chan struct{}
	results   chan result
	uploaders []model.Uploader
	oneshot   bool
	scheduler gocron.Scheduler
	running   bool
	wg        sync.WaitGroup
}

// NewSupervisor configures uploaders and, in timer mode, the scheduler
// from cfg.
func NewSupervisor(ctx context.Context, cfg model.Service, runner Runner) (*Supervisor, error) {
	uploaders, err := uploaders(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	supervisor := New(runner, uploaders...)
	supervisor.oneshot = cfg.Mode != model.ServiceModeTimer
	if cfg.Mode == model.ServiceModeTimer {
		supervisor.scheduler, err = newScheduler(ctx, cfg.Schedule, supervisor.Start)
		if err != nil {
			supervisor.closeUploaders(ctx)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}
	return supervisor, nil
}

// New returns a supervisor which runs scans only when Start is called.
func New(runner Runner, uploaders ...model.Uploader) *Supervisor {
	return &Supervisor{
		runner:    runner,
		start:     make(chan struct{}, 1),
		results:   make(chan result, 1),
		uploaders: uploaders,
	}
}

// SetOneshot makes Do run a single scan and return its error.
func (s *Supervisor) SetOneshot(oneshot bool) *Supervisor {
	s.oneshot = oneshot
	return s
}

// WithUploaders replaces the uploaders of an initialized Supervisor.
// This method exists for a unit testing only.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...model.Uploader) *Supervisor {
	s.closeUploaders(ctx)
	s.uploaders = uploaders
	return s
}

// Start asks for a new scan. It never blocks, triggers arriving while a
// trigger is pending are coalesced.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers, which launch a scan unless one is running.
//  2. Scan results, which are uploaded on success and logged on failure.
//  3. Context cancellation, which terminates the loop.
//
// In oneshot mode a scan is triggered on entry and the first scan or
// upload error is returned. Otherwise errors are only logged.
//
// Shutdown (deferred order): scheduler -> wait for a running scan -> close uploaders.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	defer s.closeUploaders(ctx)
	defer s.wg.Wait()

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	if s.oneshot {
		s.Start()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if s.running {
				slog.WarnContext(ctx, "scan already running: ignoring start")
				continue
			}
			s.running = true
			s.wg.Go(func() {
				d, err := s.runner.Run(ctx)
				s.results <- result{delivery: d, err: err}
			})
		case res := <-s.results:
			s.running = false
			if res.err != nil {
				if s.oneshot {
					return res.err
				}
				slog.ErrorContext(ctx, "scan have failed", "error", res.err)
				continue
			}
			slog.DebugContext(ctx, "scan succeeded: uploading", "id", res.delivery.Report.ID)
			err := s.upload(ctx, res.delivery)
			if s.oneshot {
				return err
			}
			if err != nil {
				slog.ErrorContext(ctx, "upload failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) upload(ctx context.Context, d model.Delivery) error {
	var errs []error
	for _, u := range s.uploaders {
		err := u.Upload(ctx, d)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	interval, err := cfgp.Interval()
	if err != nil {
		return nil, fmt.Errorf("parsing service.schedule: %w", err)
	}
	slog.DebugContext(ctx, "timer schedule", "cron", cfgp.Cron, "duration", cfgp.Duration, "interval", interval.String())
	job := gocron.DurationJob(interval)
	if cfgp.Cron != "" {
		job = gocron.CronJob(cfgp.Cron, false)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func uploaders(ctx context.Context, cfg model.Service) ([]model.Uploader, error) {
	repository := cfg.Repository != nil && cfg.Repository.Enabled

	var ret []model.Uploader
	cleanup := func() {
		(&Supervisor{uploaders: ret}).closeUploaders(ctx)
	}
	if cfg.Dir == "" && !repository {
		ret = append(ret, NewWriteUploader(os.Stdout))
	}
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	if repository {
		u, err := NewRepoUploader(*cfg.Repository)
		if err != nil {
			cleanup()
			return nil, err
		}
		ret = append(ret, u)
	}
	if cfg.History != "" {
		u, err := NewHistoryUploader(ctx, cfg.History)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("opening history: %w", err)
		}
		ret = append(ret, u)
	}
	return ret, nil
}
