// Package policy builds the in-memory rule index and decides the fate of
// every query: permit, block, shadow-block, or rewrite.
package policy

import (
	"context"
	"net"
	"sort"
	"strings"

	"sentinel/pkg/rules"
	"sentinel/pkg/storage"
)

// listMeta is the per-blocklist state the decision path needs.
type listMeta struct {
	Enabled bool
	Mode    storage.BlocklistMode
}

// subnetEntry is one CIDR-scoped profile, kept sorted by prefix length so the
// longest prefix wins.
type subnetEntry struct {
	net    *net.IPNet
	bits   int
	client storage.Client
}

// Index is an immutable snapshot of everything the decision algorithm reads.
// The engine publishes a fresh Index atomically on refresh; readers never see
// a partially built one.
type Index struct {
	pause storage.ProtectionPause

	rewriteExact    map[string]storage.Rewrite
	rewriteWildcard map[string]storage.Rewrite // key without the "*." prefix

	// Manual rule maps keyed by domain; value is the owning category.
	allowedGlobal map[string]string
	blockedGlobal map[string]string
	allowedClient map[int64]map[string]string
	blockedClient map[int64]map[string]string
	allowedSubnet map[int64]map[string]string
	blockedSubnet map[int64]map[string]string

	// domain → blocklist ids referencing it.
	listDomains map[string][]int64
	lists       map[int64]listMeta

	clientsByIP map[string]storage.Client
	subnets     []subnetEntry

	expressions []compiledExpression
}

// emptyIndex is served before the first refresh completes.
func emptyIndex() *Index {
	return &Index{
		rewriteExact:    map[string]storage.Rewrite{},
		rewriteWildcard: map[string]storage.Rewrite{},
		allowedGlobal:   map[string]string{},
		blockedGlobal:   map[string]string{},
		allowedClient:   map[int64]map[string]string{},
		blockedClient:   map[int64]map[string]string{},
		allowedSubnet:   map[int64]map[string]string{},
		blockedSubnet:   map[int64]map[string]string{},
		listDomains:     map[string][]int64{},
		lists:           map[int64]listMeta{},
		clientsByIP:     map[string]storage.Client{},
	}
}

// buildIndex loads the full policy state from the store.
func buildIndex(ctx context.Context, store *storage.Store) (*Index, error) {
	idx := emptyIndex()

	pause, err := store.GetProtectionPause(ctx)
	if err != nil {
		return nil, err
	}
	idx.pause = pause

	rewrites, err := store.GetRewrites(ctx)
	if err != nil {
		return nil, err
	}
	for _, rw := range rewrites {
		d := strings.ToLower(strings.TrimSpace(rw.Domain))
		d = strings.TrimSuffix(d, ".")
		if d == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(d, "*."); ok {
			idx.rewriteWildcard[rest] = rw
		} else {
			idx.rewriteExact[d] = rw
		}
	}

	allRules, err := store.ListRules(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, r := range allRules {
		scope := rules.ParseScope(r.Category)
		switch scope.Kind {
		case rules.ScopeManual:
			if r.Type == rules.TypeAllowed {
				idx.allowedGlobal[r.Domain] = r.Category
			} else {
				idx.blockedGlobal[r.Domain] = r.Category
			}
		case rules.ScopeClient:
			target := idx.blockedClient
			if r.Type == rules.TypeAllowed {
				target = idx.allowedClient
			}
			if target[scope.ID] == nil {
				target[scope.ID] = map[string]string{}
			}
			target[scope.ID][r.Domain] = r.Category
		case rules.ScopeSubnet:
			target := idx.blockedSubnet
			if r.Type == rules.TypeAllowed {
				target = idx.allowedSubnet
			}
			if target[scope.ID] == nil {
				target[scope.ID] = map[string]string{}
			}
			target[scope.ID][r.Domain] = r.Category
		case rules.ScopeBlocklist:
			idx.listDomains[r.Domain] = append(idx.listDomains[r.Domain], scope.ID)
		}
	}

	lists, err := store.ListBlocklists(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range lists {
		idx.lists[b.ID] = listMeta{Enabled: b.Enabled, Mode: b.Mode}
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		if c.Profile.Type == "subnet" {
			_, ipnet, err := net.ParseCIDR(c.Profile.CIDR)
			if err != nil {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			idx.subnets = append(idx.subnets, subnetEntry{net: ipnet, bits: ones, client: c})
		} else if c.Profile.IP != "" {
			idx.clientsByIP[c.Profile.IP] = c
		}
	}
	sort.SliceStable(idx.subnets, func(i, j int) bool {
		return idx.subnets[i].bits > idx.subnets[j].bits
	})

	exprRules, err := store.GetPolicyExpressions(ctx)
	if err != nil {
		return nil, err
	}
	idx.expressions = compileExpressions(exprRules)

	return idx, nil
}

// resolveClient finds the profile governing clientIP: exact match first, then
// the longest-prefix subnet, then none.
func (idx *Index) resolveClient(clientIP string) (storage.Client, bool, bool) {
	if c, ok := idx.clientsByIP[clientIP]; ok {
		return c, true, false
	}
	ip := net.ParseIP(clientIP)
	if ip != nil {
		for _, e := range idx.subnets {
			if e.net.Contains(ip) {
				return e.client, true, true
			}
		}
	}
	return storage.Client{}, false, false
}

// ClientName returns the profile name governing clientIP, "" when none.
func (idx *Index) ClientName(clientIP string) string {
	c, ok, _ := idx.resolveClient(clientIP)
	if !ok {
		return ""
	}
	return c.Profile.Name
}

// rewriteFor returns the rewrite matching the normalized name, exact before
// wildcard.
func (idx *Index) rewriteFor(name string) (storage.Rewrite, bool) {
	if rw, ok := idx.rewriteExact[name]; ok {
		return rw, true
	}
	for _, suffix := range rules.Candidates(name) {
		if rw, ok := idx.rewriteWildcard[suffix]; ok {
			return rw, true
		}
	}
	return storage.Rewrite{}, false
}
