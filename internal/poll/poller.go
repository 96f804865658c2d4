package poll

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pik2mqtt/pik2mqtt/internal/pik"
	"github.com/pik2mqtt/pik2mqtt/internal/state"
)

// Client is the slice of the vendor API the pollers need.
type Client interface {
	Intercoms(ctx context.Context) ([]pik.Intercom, error)
	IotIntercoms(ctx context.Context) ([]pik.IotIntercom, error)
	LastCallSession(ctx context.Context) (*pik.CallSession, error)
	Meters(ctx context.Context) ([]pik.Meter, error)
	Snapshot(ctx context.Context, snapshotURL string) ([]byte, error)
}

// Archiver persists call snapshots off-process. Implementations must be
// safe for concurrent use.
type Archiver interface {
	ArchiveCallSnapshot(ctx context.Context, sessionID int64, image []byte) error
}

// Intervals are the per-category refresh periods. Zero disables a loop.
type Intervals struct {
	Intercoms    time.Duration
	CallSessions time.Duration
	Meters       time.Duration
}

// Poller runs the three category loops against the vendor API. Each loop
// is best effort: a failing category never aborts the others.
type Poller struct {
	client    Client
	store     *state.Store
	archiver  Archiver
	intervals Intervals
	logger    *slog.Logger

	mu            sync.Mutex
	lastSessionID int64
	meterLabels   map[int64][]string
}

func New(client Client, store *state.Store, archiver Archiver, intervals Intervals, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:    client,
		store:     store,
		archiver:  archiver,
		intervals: intervals,
		logger:    logger,
	}
}

// Run starts the enabled loops and blocks until ctx is cancelled. Each loop
// polls once immediately, then on its ticker.
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		poll     func(context.Context)
	}{
		{"intercoms", p.intervals.Intercoms, p.pollIntercoms},
		{"call_sessions", p.intervals.CallSessions, p.pollCallSessions},
		{"meters", p.intervals.Meters, p.pollMeters},
	}

	for _, loop := range loops {
		if loop.interval <= 0 {
			p.logger.Info("poll loop disabled", "category", loop.name)
			continue
		}
		wg.Add(1)
		go func(name string, interval time.Duration, poll func(context.Context)) {
			defer wg.Done()
			poll(ctx)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					poll(ctx)
				}
			}
		}(loop.name, loop.interval, loop.poll)
	}
	wg.Wait()
}

func (p *Poller) pollIntercoms(ctx context.Context) {
	intercoms, err := p.client.Intercoms(ctx)
	if err != nil {
		p.fail(state.CategoryIntercoms, "intercoms", err)
		return
	}
	iot, err := p.client.IotIntercoms(ctx)
	if err != nil {
		p.fail(state.CategoryIntercoms, "intercoms", err)
		return
	}

	p.store.SetDevices(state.Devices{Intercoms: intercoms, IotIntercoms: iot})
	p.ok("intercoms", len(intercoms)+len(iot))
}

func (p *Poller) pollCallSessions(ctx context.Context) {
	session, err := p.client.LastCallSession(ctx)
	if err != nil {
		p.fail(state.CategoryLastCall, "call_sessions", err)
		return
	}

	if session == nil {
		p.store.SetLastCall(nil, nil)
		callActive.Set(0)
		p.ok("call_sessions", 0)
		return
	}

	snapshot := p.fetchCallSnapshot(ctx, session)
	p.store.SetLastCall(session, snapshot)

	if session.Active() {
		callActive.Set(1)
	} else {
		callActive.Set(0)
	}
	p.ok("call_sessions", 1)
}

// fetchCallSnapshot fetches and archives the snapshot for sessions not seen
// before. Snapshot failures are logged but never fail the poll.
func (p *Poller) fetchCallSnapshot(ctx context.Context, session *pik.CallSession) []byte {
	if session.SnapshotURL == "" {
		return nil
	}

	p.mu.Lock()
	isNew := session.ID != p.lastSessionID
	p.mu.Unlock()
	if !isNew {
		return p.store.Snapshot().LastCall.Snapshot
	}

	image, err := p.client.Snapshot(ctx, session.SnapshotURL)
	if err != nil {
		p.logger.Warn("call snapshot fetch failed", "session_id", session.ID, "error", err)
		return nil
	}

	p.mu.Lock()
	p.lastSessionID = session.ID
	p.mu.Unlock()

	if p.archiver != nil {
		if err := p.archiver.ArchiveCallSnapshot(ctx, session.ID, image); err != nil {
			p.logger.Warn("call snapshot archive failed", "session_id", session.ID, "error", err)
		}
	}
	return image
}

func (p *Poller) pollMeters(ctx context.Context) {
	meters, err := p.client.Meters(ctx)
	if err != nil {
		p.fail(state.CategoryMeters, "meters", err)
		return
	}

	seen := make(map[int64][]string, len(meters))
	for _, meter := range meters {
		if !meter.Kind.Known() {
			p.logger.Warn("unknown meter kind", "meter_id", meter.ID, "kind", meter.Kind)
		}
		labels := []string{strconv.FormatInt(meter.ID, 10), string(meter.Kind), meter.PipeIdentifier}
		meterReading.WithLabelValues(labels...).Set(meter.CurrentNumeric)
		meterMonthReading.WithLabelValues(labels...).Set(meter.MonthNumeric)
		seen[meter.ID] = labels
	}

	// Meters removed from the account must not keep exporting their last
	// reading.
	p.mu.Lock()
	for id, labels := range p.meterLabels {
		if _, ok := seen[id]; !ok {
			meterReading.DeleteLabelValues(labels...)
			meterMonthReading.DeleteLabelValues(labels...)
		}
	}
	p.meterLabels = seen
	p.mu.Unlock()

	p.store.SetMeters(meters)
	p.ok("meters", len(meters))
}

func (p *Poller) ok(name string, count int) {
	pollSuccess.WithLabelValues(name).Set(1)
	pollLastSuccess.WithLabelValues(name).Set(float64(time.Now().Unix()))
	objectCount.WithLabelValues(name).Set(float64(count))
}

func (p *Poller) fail(category state.Category, name string, err error) {
	p.logger.Error("poll failed", "category", name, "error", err)
	pollSuccess.WithLabelValues(name).Set(0)
	p.store.MarkUnavailable(category)
}
