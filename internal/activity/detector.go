// Package activity derives bounded appliance runs from on-air power
// streams. A detector watches one electricity stream, applies a windowed
// threshold with a debounce, records runs durably and announces state on the
// activity facet.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"homectrl/internal/entry"
	"homectrl/internal/onair"
	"homectrl/internal/store"
	"homectrl/pkg/mqtt"
	"homectrl/pkg/topics"
	"homectrl/pkg/utils"
)

// State is the detector phase.
type State int

const (
	// StateIdle means no open run and no candidate.
	StateIdle State = iota
	// StateCandidate means the threshold is crossed but the debounce window
	// has not elapsed yet.
	StateCandidate
	// StateRunning means an open run record exists.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCandidate:
		return "candidate"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Config parameterizes one detector so more activities can be instantiated
// with different sources and thresholds.
type Config struct {
	// Name is the activity name, also the run kind in the store and the
	// on-air entity under the activity facet.
	Name string

	// Source is the on-air topic carrying the observed electricity stream.
	Source string

	// Threshold is the mean active power (watts) at or above which the
	// appliance counts as drawing.
	Threshold entry.Number

	// WindowSize bounds the sample window the mean is computed over.
	WindowSize int

	// Debounce is how long the threshold must stay crossed before a run
	// starts, measured on the monotonic clock.
	Debounce time.Duration
}

// LaundryConfig is the washing machine detector: mean of the last 2 samples
// at or above 3 W, debounced for 30 seconds.
func LaundryConfig(meterEntity string) (Config, error) {
	source, err := topics.OnAir(entry.KindElectricity.Facet(), meterEntity)
	if err != nil {
		return Config{}, fmt.Errorf("invalid meter entity: %w", err)
	}

	return Config{
		Name:       "laundry",
		Source:     source,
		Threshold:  entry.MustNumber("3.0"),
		WindowSize: 2,
		Debounce:   30 * time.Second,
	}, nil
}

// Runs is the slice of the state store the detector needs.
type Runs interface {
	OpenRun(ctx context.Context, kind string) (*store.ActivityRun, error)
	StartRun(ctx context.Context, kind string, startAt entry.Timestamp, startEnergy int64) (*store.ActivityRun, error)
	CloseRun(ctx context.Context, id int64, endAt entry.Timestamp, endEnergy int64) (*store.ActivityRun, error)
}

// Broker is the slice of the broker client the detector needs.
type Broker interface {
	Subscribe(filter string, qos byte, h mqtt.Handler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Notifier is the completion sink.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// sample is one observed electricity reading.
type sample struct {
	Power    entry.Number
	Energy   int64
	CreateAt entry.Timestamp
}

// Detector runs the hysteresis state machine for one activity. Samples are
// processed serially; the mutex guards against concurrent broker callbacks.
type Detector struct {
	l        *slog.Logger
	cfg      Config
	runs     Runs
	broker   Broker
	cache    *onair.Cache
	notifier Notifier
	now      func() time.Time

	mu             sync.Mutex
	state          State
	window         []entry.Number
	candidateSince time.Time
	startParams    *sample
	run            *store.ActivityRun
}

// NewDetector creates a detector. The clock drives the debounce and must be
// monotonic; production callers pass time.Now.
func NewDetector(l *slog.Logger, cfg Config, runs Runs, broker Broker, cache *onair.Cache, notifier Notifier, now func() time.Time) *Detector {
	return &Detector{
		l:        l.With(slog.String("component", "activity"), slog.String("activity", cfg.Name)),
		cfg:      cfg,
		runs:     runs,
		broker:   broker,
		cache:    cache,
		notifier: notifier,
		now:      now,
	}
}

// State returns the current phase.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Start resumes any open run and subscribes to the source stream. The
// window starts empty after a resume; the first few means may underestimate,
// which is accepted.
func (d *Detector) Start(ctx context.Context) error {
	open, err := d.runs.OpenRun(ctx, d.cfg.Name)
	if err != nil {
		return fmt.Errorf("load open %s run: %w", d.cfg.Name, err)
	}

	if open != nil {
		d.mu.Lock()
		d.state = StateRunning
		d.run = open
		d.mu.Unlock()

		d.l.Info("Resuming open activity run",
			slog.Int64("id", open.ID), slog.String("startAt", open.StartAt.String()))
	}

	return d.broker.Subscribe(d.cfg.Source, 1, func(msg mqtt.Message) {
		d.handle(ctx, msg)
	})
}

func (d *Detector) handle(ctx context.Context, msg mqtt.Message) {
	e, err := entry.DecodeOnAir(entry.KindElectricity, msg.Payload)
	if err != nil {
		d.l.Error("Dropping undecodable electricity message",
			slog.String("topic", msg.Topic), slog.String("payload", string(msg.Payload)), utils.ErrAttr(err))

		return
	}

	electricity, ok := e.Value.(entry.Electricity)
	if !ok {
		d.l.Error("Dropping message with unexpected value type", slog.String("topic", msg.Topic))

		return
	}

	d.observe(ctx, sample{
		Power:    electricity.ActivePower,
		Energy:   electricity.ActiveEnergy,
		CreateAt: e.CreatedAt,
	})
}

// observe feeds one sample through the state machine.
func (d *Detector) observe(ctx context.Context, in sample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, in.Power)
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[1:]
	}

	crossed := d.thresholdCrossed()
	now := d.now()

	switch d.state {
	case StateIdle:
		if crossed {
			d.state = StateCandidate
			d.candidateSince = now
			params := in
			d.startParams = &params
		}

	case StateCandidate:
		switch {
		case !crossed:
			d.state = StateIdle
			d.startParams = nil
			d.l.Debug("Candidate dismissed")

		case now.Sub(d.candidateSince) > d.cfg.Debounce:
			d.startRun(ctx)
		}

	case StateRunning:
		if !crossed {
			d.closeRun(ctx, in)
		}
	}
}

// thresholdCrossed reports whether the window mean is at or above the
// threshold. Compared as sum >= threshold*n to stay exact in decimal.
func (d *Detector) thresholdCrossed() bool {
	if len(d.window) == 0 {
		return false
	}

	sum := decimal.Zero
	for _, p := range d.window {
		sum = sum.Add(p.Decimal)
	}

	bar := d.cfg.Threshold.Mul(decimal.NewFromInt(int64(len(d.window))))

	return sum.Cmp(bar) >= 0
}

// startRun opens the durable record with the parameters captured at the
// first threshold crossing and announces the running state.
func (d *Detector) startRun(ctx context.Context) {
	params := d.startParams

	run, err := d.runs.StartRun(ctx, d.cfg.Name, params.CreateAt, params.Energy)

	switch {
	case errors.Is(err, store.ErrRunAlreadyOpen):
		// Lost a race with another writer; adopt the existing record.
		run, err = d.runs.OpenRun(ctx, d.cfg.Name)
		if err != nil || run == nil {
			d.l.Error("Failed to adopt open run", utils.ErrAttr(err))

			return
		}

	case err != nil:
		d.l.Error("Failed to start run", utils.ErrAttr(err))

		return
	}

	d.state = StateRunning
	d.run = run
	d.startParams = nil

	d.l.Info("Activity started", slog.Int64("id", run.ID), slog.String("startAt", run.StartAt.String()))

	d.publishState(*run)
}

// closeRun finalizes the record, announces the finished state and fires the
// notification sink exactly once. Sink failures do not reopen the record.
func (d *Detector) closeRun(ctx context.Context, in sample) {
	closed, err := d.runs.CloseRun(ctx, d.run.ID, in.CreateAt, in.Energy)
	if err != nil {
		if errors.Is(err, store.ErrRunClosed) {
			d.state = StateIdle
			d.run = nil

			return
		}

		d.l.Error("Failed to close run", slog.Int64("id", d.run.ID), utils.ErrAttr(err))

		return
	}

	d.state = StateIdle
	d.run = nil

	d.l.Info("Activity finished",
		slog.Int64("id", closed.ID),
		slog.String("duration", humanDuration(closed.EndAt.Sub(closed.StartAt.Time))))

	d.publishState(*closed)

	message := fmt.Sprintf("%s finished after %s, using %s kWh",
		d.cfg.Name, humanDuration(closed.EndAt.Sub(closed.StartAt.Time)), consumedKWh(*closed))

	if err := d.notifier.Send(ctx, message); err != nil {
		d.l.Error("Failed to notify completion", utils.ErrAttr(err))
	}
}

// runMessage is the on-air activity payload. Duration and energy appear only
// on finished runs.
type runMessage struct {
	Name        string           `json:"name"`
	StartAt     entry.Timestamp  `json:"start_at"`
	StartEnergy int64            `json:"start_energy"`
	EndAt       *entry.Timestamp `json:"end_at"`
	EndEnergy   *int64           `json:"end_energy"`
	IsActive    bool             `json:"is_active"`
	Duration    string           `json:"duration,omitempty"`
	Energy      *entry.Number    `json:"energy,omitempty"`
}

func (d *Detector) publishState(run store.ActivityRun) {
	msg := runMessage{
		Name:        d.cfg.Name,
		StartAt:     run.StartAt,
		StartEnergy: run.StartEnergy,
		EndAt:       run.EndAt,
		EndEnergy:   run.EndEnergy,
		IsActive:    run.Active(),
	}

	if !run.Active() {
		msg.Duration = humanDuration(run.EndAt.Sub(run.StartAt.Time))
		energy := consumedKWh(run)
		msg.Energy = &energy
	}

	payload, err := utils.ToJSON(msg)
	if err != nil {
		d.l.Error("Failed to marshal activity state", utils.ErrAttr(err))

		return
	}

	topic, err := topics.Activity(d.cfg.Name)
	if err != nil {
		d.l.Error("Failed to build activity topic", utils.ErrAttr(err))

		return
	}

	d.cache.Set(topics.FacetActivity, d.cfg.Name, payload)

	if err := d.broker.Publish(topic, 1, true, payload); err != nil {
		d.l.Error("Failed to publish activity state", slog.String("topic", topic), utils.ErrAttr(err))
	}
}

// consumedKWh derives the energy used by a closed run. A meter counter that
// went backwards yields a negative value, surfaced as-is.
func consumedKWh(run store.ActivityRun) entry.Number {
	diff := *run.EndEnergy - run.StartEnergy

	return entry.Number{Decimal: decimal.New(diff, -3)}
}

// humanDuration renders a duration the way the SMS and activity payloads
// show it, e.g. "1 hour and 12 minutes".
func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}

	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)

	switch {
	case hours == 0:
		return plural(minutes, "minute")
	case minutes == 0:
		return plural(hours, "hour")
	default:
		return plural(hours, "hour") + " and " + plural(minutes, "minute")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}

	return fmt.Sprintf("%d %ss", n, unit)
}
