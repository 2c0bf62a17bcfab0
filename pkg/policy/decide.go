package policy

import (
	"time"

	"sentinel/pkg/rules"
	"sentinel/pkg/storage"
)

// Action is the outcome of a decision.
type Action int

const (
	ActionPermit Action = iota
	ActionBlock
	ActionShadowBlock
	ActionRewrite
)

// Query is the input to a decision.
type Query struct {
	Domain   string
	Type     string
	ClientIP string
	Now      time.Time
}

// Decision is the outcome for one query.
type Decision struct {
	Action           Action
	BlocklistID      string
	RewriteTarget    string
	ProtectionPaused bool
}

// Status maps the action to the query log status vocabulary.
func (d Decision) Status() string {
	switch d.Action {
	case ActionBlock:
		return storage.StatusBlocked
	case ActionShadowBlock:
		return storage.StatusShadowBlocked
	default:
		return storage.StatusPermitted
	}
}

// Decide runs the ordered decision phases against the snapshot. First match
// within a phase wins; phases never reorder.
func (idx *Index) Decide(q Query) Decision {
	name := rules.NormalizeQueryName(q.Domain)
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	candidates := rules.Candidates(name)
	client, hasClient, viaSubnet := idx.resolveClient(q.ClientIP)

	// Phase 1: protection pause. The per-client internet kill-switch still
	// applies while paused.
	if idx.pause.Active(now) {
		if hasClient && client.Profile.IsInternetPaused {
			return Decision{Action: ActionBlock, BlocklistID: "ClientPolicy:InternetPaused"}
		}
		return Decision{Action: ActionPermit, ProtectionPaused: true}
	}

	// Phase 2: rewrites short-circuit everything below, no upstream call.
	if rw, ok := idx.rewriteFor(name); ok {
		return Decision{Action: ActionRewrite, RewriteTarget: rw.Target}
	}

	// Phase 3: client internet pause.
	if hasClient && client.Profile.IsInternetPaused {
		return Decision{Action: ActionBlock, BlocklistID: "ClientPolicy:InternetPaused"}
	}

	// Phase 4: allowlists, most specific scope first.
	for _, suffix := range candidates {
		if hasClient {
			if !viaSubnet {
				if _, ok := idx.allowedClient[client.ID][suffix]; ok {
					return Decision{Action: ActionPermit}
				}
			}
			if _, ok := idx.allowedSubnet[client.ID][suffix]; ok && viaSubnet {
				return Decision{Action: ActionPermit}
			}
		}
		if _, ok := idx.allowedGlobal[suffix]; ok {
			return Decision{Action: ActionPermit}
		}
	}

	// Phase 5: manual blocks, scoped then global.
	for _, suffix := range candidates {
		if hasClient {
			if !viaSubnet {
				if cat, ok := idx.blockedClient[client.ID][suffix]; ok {
					return Decision{Action: ActionBlock, BlocklistID: cat}
				}
			}
			if cat, ok := idx.blockedSubnet[client.ID][suffix]; ok && viaSubnet {
				return Decision{Action: ActionBlock, BlocklistID: cat}
			}
		}
		if cat, ok := idx.blockedGlobal[suffix]; ok {
			return Decision{Action: ActionBlock, BlocklistID: cat}
		}
	}

	// Phase 6: schedule and app/category policy.
	if hasClient {
		if d, blocked := decideSchedules(client.Profile, name, candidates, now); blocked {
			return d
		}
	}

	// Expression rules run after the structured client policies.
	if len(idx.expressions) > 0 {
		if ruleName, blocked := idx.evalExpressions(name, q.Type, q.ClientIP); blocked {
			return Decision{Action: ActionBlock, BlocklistID: "ClientPolicy:Expression:" + ruleName}
		}
	}

	// Phase 7: selected blocklists. ACTIVE strictly beats SHADOW across the
	// whole candidate walk.
	selected := idx.selectedLists(client, hasClient)
	var shadowHit int64 = -1
	for _, suffix := range candidates {
		for _, id := range idx.listDomains[suffix] {
			meta, ok := idx.lists[id]
			if !ok || !meta.Enabled {
				continue
			}
			if selected != nil {
				if _, ok := selected[id]; !ok {
					continue
				}
			}
			if meta.Mode == storage.ModeActive {
				return Decision{Action: ActionBlock, BlocklistID: rules.BlocklistCategory(id)}
			}
			if shadowHit < 0 {
				shadowHit = id
			}
		}
	}
	if shadowHit >= 0 {
		return Decision{Action: ActionShadowBlock, BlocklistID: rules.BlocklistCategory(shadowHit)}
	}

	// Phase 8: default permit.
	return Decision{Action: ActionPermit}
}

// selectedLists returns the client's assigned blocklist set, or nil for the
// global set (every enabled blocklist).
func (idx *Index) selectedLists(client storage.Client, hasClient bool) map[int64]struct{} {
	if !hasClient || client.Profile.UseGlobalSettings {
		return nil
	}
	out := make(map[int64]struct{}, len(client.Profile.AssignedBlocklists))
	for _, id := range client.Profile.AssignedBlocklists {
		out[id] = struct{}{}
	}
	return out
}

// decideSchedules applies the active schedule windows and the profile's own
// category/app blocks.
func decideSchedules(p storage.ClientProfile, name string, candidates []string, now time.Time) (Decision, bool) {
	for _, sched := range p.Schedules {
		if !scheduleActiveNow(sched, now) {
			continue
		}
		if sched.BlockAll {
			return Decision{Action: ActionBlock, BlocklistID: "ClientPolicy:BlockAll"}, true
		}
		if cat, ok := matchCategories(candidates, sched.BlockedCategories); ok {
			return Decision{Action: ActionBlock, BlocklistID: "ClientPolicy:Category:" + cat}, true
		}
		if app, ok := matchApps(candidates, sched.BlockedApps); ok {
			return Decision{Action: ActionBlock, BlocklistID: "ClientPolicy:App:" + app}, true
		}
	}

	// Always-on profile blocks, outside any schedule window.
	if cat, ok := matchCategories(candidates, p.BlockedCategories); ok {
		return Decision{Action: ActionBlock, BlocklistID: "ClientPolicy:Category:" + cat}, true
	}
	if app, ok := matchApps(candidates, p.BlockedApps); ok {
		return Decision{Action: ActionBlock, BlocklistID: "ClientPolicy:App:" + app}, true
	}
	return Decision{}, false
}
