package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
)

// Outcome is how a poll or rebuild of one store ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeSkipped means another cycle already held the store.
	OutcomeSkipped
	OutcomeBroken
	OutcomeDesynced
	OutcomeCancelled
	// OutcomeFailed means the index side failed; the store itself is fine.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeBroken:
		return "broken"
	case OutcomeDesynced:
		return "out of sync"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "ok"
	}
}

// StoreResult is the result of one poll or rebuild of a store.
type StoreResult struct {
	StoreID int64
	URI     string
	Outcome Outcome
	Added   int
	Updated int
	Removed int
	Err     error

	// Fix is the command that repairs an out-of-sync store.
	Fix string

	// NewProblem is set when this cycle moved the store into a failed
	// state, as opposed to finding it already there.
	NewProblem bool
}

// Report aggregates the results of one poll over several stores.
type Report struct {
	Started  time.Time
	Finished time.Time
	Results  []StoreResult
}

// Added returns the number of messages added across all stores.
func (r Report) Added() int {
	n := 0
	for _, res := range r.Results {
		n += res.Added
	}
	return n
}

// Problems returns the results of stores that did not poll cleanly.
func (r Report) Problems() []StoreResult {
	var out []StoreResult
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeBroken, OutcomeDesynced, OutcomeFailed:
			out = append(out, res)
		}
	}
	return out
}

// Summary renders the report as a single status line.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d new message", r.Added())
	if r.Added() != 1 {
		b.WriteString("s")
	}
	fmt.Fprintf(&b, " from %d store", len(r.Results))
	if len(r.Results) != 1 {
		b.WriteString("s")
	}
	if p := len(r.Problems()); p > 0 {
		fmt.Fprintf(&b, ", %d with problems", p)
	}
	return b.String()
}

// NotificationStore persists user-visible notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n model.Notification) error
}

// StoreNotifier records one notification for each store a report shows
// newly failing.
func StoreNotifier(ns NotificationStore, log zerolog.Logger) Notifier {
	return NotifierFunc(func(ctx context.Context, report Report) {
		for _, res := range report.Problems() {
			if !res.NewProblem || res.Err == nil {
				continue
			}
			msg := res.Err.Error()
			if res.Fix != "" && !strings.Contains(msg, res.Fix) {
				msg += " (run: " + res.Fix + ")"
			}
			err := ns.CreateNotification(ctx, model.Notification{
				StoreID:   res.StoreID,
				Message:   msg,
				CreatedAt: report.Finished,
			})
			if err != nil {
				log.Warn().Err(err).Int64("store", res.StoreID).Msg("recording notification")
			}
		}
	})
}
