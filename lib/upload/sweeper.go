package upload

import (
	"context"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/MOhammedRiaad/secure-audio/lib/defaults"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Assembler *Assembler
	TTL       time.Duration
	ScanPeriod time.Duration
	Clock     clockwork.Clock
}

// CheckAndSetDefaults fills in unset fields with their defaults.
func (c *SweeperConfig) CheckAndSetDefaults() error {
	if c.Assembler == nil {
		return trace.BadParameter("assembler is required")
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.ScanPeriod <= 0 {
		c.ScanPeriod = defaults.UploadSweepPeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Sweeper periodically scans for upload sessions idle longer than TTL
// and marks them UploadExpired, reclaiming their workspace directories. It runs a
// scan-period loop that slows down on repeated scan failures and
// speeds back up to its base period as soon as a scan succeeds again,
// the same shape as a scan-then-backoff uploader loop.
type Sweeper struct {
	cfg SweeperConfig

	maxPeriod time.Duration
	period    time.Duration
}

// NewSweeper constructs a Sweeper from cfg.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Sweeper{cfg: cfg, period: cfg.ScanPeriod, maxPeriod: cfg.ScanPeriod * 10}, nil
}

func (s *Sweeper) inc() {
	s.period *= 2
	if s.period > s.maxPeriod {
		s.period = s.maxPeriod
	}
}

func (s *Sweeper) reset() {
	s.period = s.cfg.ScanPeriod
}

// Serve runs the sweep loop until ctx is done.
func (s *Sweeper) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.cfg.Clock.After(s.period):
			n, err := s.sweepOnce(ctx)
			if err != nil {
				s.inc()
				log.WithError(err).WithField("next_scan", s.period).Warn("Upload sweep failed, backing off.")
				continue
			}
			if n > 0 {
				log.WithField("reaped", n).Info("Swept stale uploads.")
			}
			s.reset()
		}
	}
}

// sweepOnce scans every known upload session and expires the open ones
// idle past TTL, returning the number reaped.
func (s *Sweeper) sweepOnce(ctx context.Context) (int, error) {
	uploads, err := s.cfg.Assembler.cfg.Uploads.ListUploads(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	now := s.cfg.Clock.Now().UTC()
	var reaped int
	for _, u := range uploads {
		if u.State != types.UploadOpen {
			continue
		}
		if now.Sub(u.UpdatedAt) < s.cfg.TTL {
			continue
		}
		if err := s.reapOne(ctx, u); err != nil {
			log.WithError(err).WithField("upload", u.ID).Warn("Failed to reap stale upload.")
			continue
		}
		reaped++
	}
	return reaped, nil
}

func (s *Sweeper) reapOne(ctx context.Context, u *types.UploadSession) error {
	u.State = types.UploadExpired
	u.UpdatedAt = s.cfg.Clock.Now().UTC()
	if err := s.cfg.Assembler.cfg.Uploads.PutUpload(ctx, u); err != nil {
		return trace.Wrap(err)
	}
	if err := os.RemoveAll(u.WorkspacePath); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}
