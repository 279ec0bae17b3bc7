package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"goswarm/internal/shared/models"
)

const (
	// DefaultTrackerTimeout is the per-tracker announce budget inside one
	// discovery round.
	DefaultTrackerTimeout = 10 * time.Second

	// DefaultSufficientPeers is the unique-peer count at which a discovery
	// round stops waiting for stragglers.
	DefaultSufficientPeers = 30

	// DefaultAnnounceInterval applies when no tracker advertises one.
	DefaultAnnounceInterval = 2 * time.Minute

	minAnnounceInterval = 30 * time.Second
)

// Discoverer fans one announce out to every tracker of a content and merges
// the answers into a deduplicated peer set. Each tracker gets its own
// timeout; a round returns as soon as enough unique peers arrived or every
// tracker has answered or timed out.
type Discoverer struct {
	announcer Announcer
	log       *slog.Logger

	// TrackerTimeout and SufficientPeers may be tuned before first use.
	TrackerTimeout  time.Duration
	SufficientPeers int
}

func NewDiscoverer(a Announcer, log *slog.Logger) *Discoverer {
	return &Discoverer{
		announcer:       a,
		log:             log,
		TrackerTimeout:  DefaultTrackerTimeout,
		SufficientPeers: DefaultSufficientPeers,
	}
}

// Result is one merged discovery round. Interval is the smallest interval
// any tracker advertised, floored so a broken tracker cannot make us hammer
// the swarm.
type Result struct {
	Peers    []models.Addr
	Interval time.Duration
}

// Discover announces req to every tracker concurrently. Individual failures
// are logged and skipped; only when every tracker fails does the aggregated
// error come back.
func (d *Discoverer) Discover(ctx context.Context, trackers []string, req AnnounceRequest) (Result, error) {
	if len(trackers) == 0 {
		return Result{}, fmt.Errorf("%w: no trackers", ErrTrackerFailure)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		url  string
		resp AnnounceResponse
		err  error
	}
	outcomes := make(chan outcome, len(trackers))
	for _, t := range trackers {
		go func(turl string) {
			tctx, tcancel := context.WithTimeout(ctx, d.TrackerTimeout)
			defer tcancel()
			r := req
			r.URL = turl
			resp, err := d.announcer.Announce(tctx, r)
			outcomes <- outcome{url: turl, resp: resp, err: err}
		}(t)
	}

	seen := make(map[string]struct{})
	result := Result{Interval: DefaultAnnounceInterval}
	answered := 0
	var errs *multierror.Error

	for i := 0; i < len(trackers); i++ {
		o := <-outcomes
		if o.err != nil {
			d.log.Warn("tracker announce failed",
				slog.String("tracker", o.url),
				slog.Any("error", o.err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", o.url, o.err))
			continue
		}
		answered++
		if o.resp.Interval >= minAnnounceInterval && o.resp.Interval < result.Interval {
			result.Interval = o.resp.Interval
		}
		for _, addr := range o.resp.Peers {
			key := addr.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result.Peers = append(result.Peers, addr)
		}
		if len(result.Peers) >= d.SufficientPeers {
			d.log.Debug("discovery round satisfied early",
				slog.Int("peers", len(result.Peers)),
				slog.Int("trackers_answered", answered))
			return result, nil
		}
	}

	if answered == 0 {
		return Result{}, fmt.Errorf("all trackers failed: %w", errs)
	}
	d.log.Info("discovery round complete",
		slog.Int("peers", len(result.Peers)),
		slog.Int("trackers_answered", answered),
		slog.Int("trackers_failed", len(trackers)-answered))
	return result, nil
}
