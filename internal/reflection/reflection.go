// Package reflection runs the first stage of the cycle: it reads the
// ward's recent behavior, deposits the affect of each event into the
// ledger, and distills a diagnosis plus a cue for the next prompt
// update. The package is named reflection rather than reflect so
// importers never shadow the standard library.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rosebud/internal/appraise"
	"rosebud/internal/audit"
	"rosebud/internal/emobank"
	"rosebud/internal/event"
)

// Options wires a Reflector to the ward's log and the ledger.
type Options struct {
	Persona       string
	EventsLog     string // ward behavioral log (JSONL)
	LogsDir       string // audit stream directory
	EventLimit    int    // tail cap per pass; 0 means 500
	DepositWeight float64
	Appraiser     appraise.Appraiser // nil means deterministic
	Bank          *emobank.Bank
}

// Reflector runs reflection passes for one persona.
type Reflector struct {
	persona   string
	eventsLog string
	logsDir   string
	limit     int
	weight    float64
	appraiser appraise.Appraiser
	bank      *emobank.Bank
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a Reflector. The ledger bank is required.
func New(opts Options, logger *zap.Logger) (*Reflector, error) {
	if opts.Bank == nil {
		return nil, errors.New("ledger bank is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Persona == "" {
		opts.Persona = "ward"
	}
	if opts.EventLimit <= 0 {
		opts.EventLimit = 500
	}
	if opts.DepositWeight <= 0 {
		opts.DepositWeight = 1.0
	}
	if opts.Appraiser == nil {
		opts.Appraiser = appraise.Deterministic{}
	}
	return &Reflector{
		persona:   opts.Persona,
		eventsLog: opts.EventsLog,
		logsDir:   opts.LogsDir,
		limit:     opts.EventLimit,
		weight:    opts.DepositWeight,
		appraiser: opts.Appraiser,
		bank:      opts.Bank,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run executes one reflection pass over the trailing window: harvest,
// appraise, deposit, summarize, then append the reflection record to
// logs/reflections.jsonl. The returned record carries the diagnosis
// and the cue the prompt stage consumes.
func (r *Reflector) Run(ctx context.Context, window time.Duration) (audit.Reflection, error) {
	events, skipped, err := event.ReadRecentAt(r.eventsLog, window, r.limit, r.now())
	if err != nil {
		return audit.Reflection{}, fmt.Errorf("failed to read events: %w", err)
	}
	if skipped > 0 {
		r.logger.Warn("skipped malformed event lines",
			zap.String("log", r.eventsLog),
			zap.Int("count", skipped))
	}
	events = event.Dedupe(events)

	deposits := 0
	for _, ev := range events {
		select {
		case <-ctx.Done():
			return audit.Reflection{}, ctx.Err()
		default:
		}

		affect, err := r.appraiser.Appraise(ctx, ev)
		if err != nil {
			r.logger.Warn("appraisal failed, falling back to deterministic",
				zap.String("kind", ev.Kind), zap.Error(err))
			affect = appraise.Evaluate(ev)
		}

		_, accepted, err := r.bank.DepositWithPolicy(emobank.Entry{
			Emotion:    affect.Emotion,
			Intensity:  affect.Intensity,
			Valence:    affect.Valence,
			Cause:      affect.Cause,
			Summary:    affect.Summary,
			Confidence: affect.Confidence,
		}, r.weight)
		if err != nil {
			return audit.Reflection{}, fmt.Errorf("failed to deposit affect: %w", err)
		}
		if accepted {
			deposits++
		}
	}

	snap, err := r.bank.Summarize(window)
	if err != nil {
		return audit.Reflection{}, fmt.Errorf("failed to summarize mood: %w", err)
	}

	maxLate, avgLate := toastLag(events)
	diagnosis, cue := assess(maxLate, avgLate)

	rec := audit.Reflection{
		ID:               uuid.NewString(),
		TS:               r.now().Truncate(time.Second).Format(time.RFC3339),
		Persona:          r.persona,
		Summary:          fmt.Sprintf("I processed %d events; avg reminder lag ~%ds.", len(events), int(avgLate)),
		Diagnosis:        diagnosis,
		Cue:              cue,
		DominantEmotions: snap.DominantEmotions,
		Confidence:       0.7,
	}
	if err := audit.Append(filepath.Join(r.logsDir, audit.ReflectionsFile), rec); err != nil {
		return audit.Reflection{}, err
	}

	r.logger.Info("reflection complete",
		zap.Int("events", len(events)),
		zap.Int("deposits", deposits),
		zap.String("mood", snap.Mood),
		zap.String("cue", cue))
	return rec, nil
}

// toastLag returns the max and mean delayed_by_sec across settled
// toasts. Toasts without the payload key contribute nothing.
func toastLag(events []event.Event) (maxLate, avgLate float64) {
	var sum float64
	var n int
	for _, ev := range events {
		if ev.Kind != "reminder.toast" {
			continue
		}
		if ev.Status != "delay" && ev.Status != "ok" {
			continue
		}
		d, ok := ev.DelayedBy()
		if !ok {
			continue
		}
		sum += d
		n++
		if d > maxLate {
			maxLate = d
		}
	}
	if n > 0 {
		avgLate = sum / float64(n)
	}
	return maxLate, avgLate
}

// assess maps toast lateness onto the diagnosis and cue. Any toast
// beyond two minutes indicts timezone handling outright; an elevated
// mean asks for receipt gating; otherwise keep watching.
func assess(maxLate, avgLate float64) (diagnosis, cue string) {
	switch {
	case maxLate > 120:
		return "I mixed local and UTC times for reminders causing late toasts.",
			"Convert to UTC and wait for receipts before showing toasts."
	case avgLate > 60:
		return "Reminder latency is elevated; UTC and receipt gating should be enforced.",
			"Gate toasts on receipts; log receipt_lag_ms."
	default:
		return "Reminder reliability acceptable; keep monitoring.",
			"Keep logging lag_ms and verify receipt gating."
	}
}
