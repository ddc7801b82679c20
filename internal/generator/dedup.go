package generator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// scanState is the auxiliary state refreshed once per scan and shared by
// every dedup check in that scan.
type scanState struct {
	positions  map[string]models.PositionItem
	todayBuys  map[string]bool
	activeStop map[string]models.StopContract
}

// checkDedup runs the four-layer filter. The first failing layer returns
// false plus the skip reason. Sell signals only pass through layer one.
func (g *Generator) checkDedup(ctx context.Context, sig models.Signal, state *scanState) (bool, string) {
	pending, err := g.queue.HasPending(ctx, sig.Symbol, sig.Kind)
	if err != nil {
		return false, fmt.Sprintf("queue check failed: %v", err)
	}
	if pending {
		return false, "pending signal already queued"
	}

	if !sig.Kind.IsBuy() {
		return true, ""
	}

	if _, held := state.positions[sig.Symbol]; held {
		return false, "position already open"
	}
	if state.todayBuys[sig.Symbol] {
		return false, "same-day buy order exists"
	}

	if last, ok := g.lastPublished[sig.Symbol]; ok {
		elapsed := time.Since(last)
		if elapsed < g.cooldown {
			remaining := int(math.Ceil((g.cooldown - elapsed).Seconds()))
			return false, fmt.Sprintf("cooldown (%ds remaining)", remaining)
		}
	}
	return true, ""
}

// gcCooldowns drops cooldown stamps that can no longer block anything.
func (g *Generator) gcCooldowns(now time.Time) {
	for symbol, stamp := range g.lastPublished {
		if now.Sub(stamp) >= g.cooldown {
			delete(g.lastPublished, symbol)
		}
	}
}
