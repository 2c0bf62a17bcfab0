package dns

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"sentinel/pkg/cache"
	"sentinel/pkg/forwarder"
	"sentinel/pkg/logging"
	"sentinel/pkg/policy"
	"sentinel/pkg/storage"
	"sentinel/pkg/telemetry"
)

// Handler decides and answers one query at a time: policy decision, cache or
// upstream, response synthesis, async log append.
type Handler struct {
	engine    *policy.Engine
	forwarder *forwarder.Forwarder
	logger    *logging.Logger
	metrics   *telemetry.Metrics

	cache    *cache.Cache
	queryLog *storage.QueryLog

	// Forward blocked queries upstream for analytics only.
	shadowResolve bool
}

// NewHandler wires the resolver path. cache and queryLog are optional and
// set afterwards.
func NewHandler(engine *policy.Engine, fwd *forwarder.Forwarder, logger *logging.Logger, metrics *telemetry.Metrics, shadowResolve bool) *Handler {
	return &Handler{
		engine:        engine,
		forwarder:     fwd,
		logger:        logger,
		metrics:       metrics,
		shadowResolve: shadowResolve,
	}
}

// SetCache attaches the response cache.
func (h *Handler) SetCache(c *cache.Cache) {
	h.cache = c
}

// SetQueryLog attaches the async query log.
func (h *Handler) SetQueryLog(q *storage.QueryLog) {
	h.queryLog = q
}

// ServeDNS handles a single decoded query.
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		// Nothing answerable; drop.
		return
	}

	start := time.Now()
	q := r.Question[0]
	name := questionName(r)
	qtype := dns.TypeToString[q.Qtype]
	clientIP := clientIPFrom(w)

	decision := h.engine.Decide(policy.Query{
		Domain:   name,
		Type:     qtype,
		ClientIP: clientIP,
		Now:      start,
	})

	entry := storage.LogEntry{
		Timestamp:        start.UTC(),
		Domain:           name,
		Type:             qtype,
		Client:           h.engine.Snapshot().ClientName(clientIP),
		ClientIP:         clientIP,
		BlocklistID:      decision.BlocklistID,
		ProtectionPaused: decision.ProtectionPaused,
	}

	switch decision.Action {
	case policy.ActionRewrite:
		resp := synthesizeRewrite(r, decision.RewriteTarget)
		h.reply(w, resp)
		entry.Status = storage.StatusPermitted
		entry.AnswerIPs = answerIPs(resp)

	case policy.ActionBlock:
		if h.shadowResolve {
			// Analytics only; the client still gets NXDOMAIN.
			if resolved, err := h.forwarder.Forward(ctx, r.Copy()); err == nil {
				entry.AnswerIPs = answerIPs(resolved)
			}
		}
		h.reply(w, synthesizeNXDOMAIN(r))
		entry.Status = storage.StatusBlocked

	case policy.ActionShadowBlock:
		resp := h.resolve(ctx, w, r, name, q.Qtype, &entry)
		entry.Status = storage.StatusShadowBlocked
		entry.AnswerIPs = answerIPs(resp)

	default: // permit
		resp := h.resolve(ctx, w, r, name, q.Qtype, &entry)
		if entry.Status == "" {
			entry.Status = storage.StatusPermitted
		}
		entry.AnswerIPs = answerIPs(resp)
	}

	entry.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	h.append(ctx, entry)
}

// resolve serves from cache when fresh, otherwise forwards and stores the
// answer. Sets entry.Status to CACHED on a hit; upstream failure answers
// SERVFAIL.
func (h *Handler) resolve(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, name string, qtype uint16, entry *storage.LogEntry) *dns.Msg {
	key := cache.Key(name, qtype)

	if h.cache != nil {
		if cached := h.cache.Get(key, r.Id); cached != nil {
			if h.metrics != nil {
				h.metrics.CacheHits.Add(ctx, 1)
			}
			entry.Status = storage.StatusCached
			h.reply(w, cached)
			return cached
		}
		if h.metrics != nil {
			h.metrics.CacheMisses.Add(ctx, 1)
		}
	}

	resp, err := h.forwarder.Forward(ctx, r)
	if err != nil {
		h.logger.Warn("Upstream resolution failed",
			"domain", name, "error", err)
		h.reply(w, synthesizeSERVFAIL(r))
		return nil
	}

	if h.cache != nil {
		h.cache.Set(key, resp)
	}
	h.reply(w, resp)
	return resp
}

func (h *Handler) reply(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		h.logger.Error("Writing DNS response failed", "error", err)
	}
}

func (h *Handler) append(ctx context.Context, entry storage.LogEntry) {
	if h.queryLog == nil {
		return
	}
	if err := h.queryLog.Append(entry); err != nil {
		h.metrics.AddDroppedEntry(ctx, 1)
	}
	if h.metrics != nil {
		h.metrics.DecisionsByStatus.Add(ctx, 1, telemetry.WithStatus(entry.Status))
	}
}
