package orchestrator

import (
	"context"
	"time"
)

// watchInterval is the delay between trigger-list polls in watch mode.
const watchInterval = 60 * time.Second

// KnownRuns lets watch mode skip cards that already have a state
// document from an earlier invocation.
type KnownRuns interface {
	KnownRuns() (map[string]bool, error)
}

// Watch polls the trigger list and orchestrates newly appearing cards
// one at a time. Cards with an existing state document are skipped; a
// card seen in this process is only orchestrated once.
func (o *Orchestrator) Watch(ctx context.Context) error {
	seen := make(map[string]bool)
	if kr, ok := o.store.(KnownRuns); ok {
		if known, err := kr.KnownRuns(); err == nil {
			seen = known
		} else {
			o.log.Warnf("could not list existing runs: %v", err)
		}
	}

	o.log.Infof("watching list %s for orchestration cards", o.cfg.TriggerListID)

	for {
		if o.stopRequested.Load() || ctx.Err() != nil {
			o.log.Infof("watch loop exiting")
			return nil
		}

		cards, err := o.items.GetCardsOnList(ctx, o.cfg.TriggerListID)
		if err != nil {
			o.log.Errorf("watch poll failed: %v", err)
		}
		for _, card := range cards {
			if seen[card.ID] {
				continue
			}
			o.log.Infof("new card detected: %q (%s)", card.Name, card.ID)
			seen[card.ID] = true

			if err := o.Orchestrate(ctx, card.ID); err != nil {
				o.log.Errorf("orchestration of card %s failed: %v", card.ID, err)
			}
			if o.stopRequested.Load() {
				return nil
			}
		}

		o.sleep(ctx, watchInterval)
	}
}
