// Package pipeline implements the webhook ingest state machine:
// signature verification -> gate filter -> persist -> summarize -> frame ->
// deliver -> fallback queue.
package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"webhookbroker/internal/filterengine"
	"webhookbroker/internal/injector"
	"webhookbroker/internal/metrics"
	"webhookbroker/internal/store"
)

// Outcome classifies how Process resolved.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeNotFound Outcome = "not_found"
)

// RejectReason names why a request was rejected.
type RejectReason string

const (
	ReasonPaused            RejectReason = "paused"
	ReasonMissingSignature  RejectReason = "missing_signature"
	ReasonInvalidSignature  RejectReason = "invalid_signature"
)

// Result is the outcome Process hands back to the HTTP layer.
type Result struct {
	Outcome Outcome
	Reason  RejectReason // set iff Outcome == OutcomeRejected
	EventID string       // set when an Event row was written
}

const (
	gateBodyTruncate    = 2000
	errorBodyTruncate   = 500
)

// Pipeline wires the Store, FilterEngine, and Injector together into the
// single-request ingest flow.
type Pipeline struct {
	store    store.Store
	filter   *filterengine.Engine
	inject   *injector.Injector
	isLive   func(sessionID string) bool
}

func New(st store.Store, filter *filterengine.Engine, inj *injector.Injector, isLive func(string) bool) *Pipeline {
	return &Pipeline{store: st, filter: filter, inject: inj, isLive: isLive}
}

// Process runs the full ingest flow for one webhook request.
func (p *Pipeline) Process(ctx context.Context, subscriptionID string, headers http.Header, body []byte) (Result, error) {
	sub, err := p.store.GetSubscription(subscriptionID)
	if err != nil {
		if err == store.ErrNotFound {
			metrics.PipelineEventsTotal.WithLabelValues("not_found").Inc()
			return Result{Outcome: OutcomeNotFound}, nil
		}
		return Result{}, fmt.Errorf("pipeline: lookup subscription: %w", err)
	}

	if sub.Status == store.StatusPaused {
		metrics.PipelineEventsTotal.WithLabelValues("rejected_paused").Inc()
		return Result{Outcome: OutcomeRejected, Reason: ReasonPaused}, nil
	}

	if sub.Secret != "" {
		ok, reason := p.verifySignature(sub, headers, body)
		if !ok {
			rejected := Result{Outcome: OutcomeRejected, Reason: reason}
			if ev, err := p.store.LogEvent(sub.ID, string(body), store.VerificationRejected, false); err != nil {
				slog.Error("pipeline: log rejected event", "err", err)
			} else {
				rejected.EventID = ev.ID
			}
			metrics.PipelineEventsTotal.WithLabelValues("rejected_" + string(reason)).Inc()
			return rejected, nil
		}
	}

	if sub.GateExpr != "" {
		res, err := p.filter.Evaluate(sub.GateExpr, body)
		if err != nil {
			slog.Warn("pipeline: gate filter error, treating as dropped", "subscription_id", sub.ID, "err", err)
		}
		if res.Dropped {
			// Silent accept: no Event, no QueuedEvent, no delivery.
			metrics.PipelineEventsTotal.WithLabelValues("gated").Inc()
			return Result{Outcome: OutcomeAccepted}, nil
		}
	}

	ev, err := p.store.LogEvent(sub.ID, string(body), store.VerificationAccepted, false)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: log event: %w", err)
	}

	summary := p.summarize(sub, body)
	framed := frame(sub, ev.ID, summary)

	delivered := false
	if p.isLive == nil || p.isLive(sub.SessionID) {
		ok, injErr := p.inject.Inject(sub.SessionID, framed)
		if injErr != nil {
			slog.Warn("pipeline: inject failed, queuing", "subscription_id", sub.ID, "err", injErr)
		}
		delivered = ok
	}

	if delivered {
		if err := p.store.MarkEventInjected(ev.ID); err != nil {
			slog.Error("pipeline: mark injected", "err", err)
		}
		if err := p.store.IncrementEventCount(sub.ID); err != nil {
			slog.Error("pipeline: increment event count", "err", err)
		}
		if sub.OneShot {
			if err := p.store.DeleteSubscription(sub.ID); err != nil {
				slog.Error("pipeline: one-shot delete", "err", err)
			}
		}
	} else {
		if _, err := p.store.Enqueue(sub.ID, sub.SessionID, framed); err != nil {
			slog.Error("pipeline: enqueue", "err", err)
		}
	}

	metrics.PipelineEventsTotal.WithLabelValues("accepted").Inc()
	return Result{Outcome: OutcomeAccepted, EventID: ev.ID}, nil
}

// Drain delivers every queued event for sessionID in enqueue order, with no
// retry: a failure here waits for the next appearance. One_shot
// subscriptions are deleted after a successful drain.
func (p *Pipeline) Drain(ctx context.Context, sessionID string) {
	queued, err := p.store.ListQueuedForSession(sessionID)
	if err != nil {
		slog.Error("pipeline: list queued for drain", "session_id", sessionID, "err", err)
		return
	}
	for _, qe := range queued {
		ok, err := p.inject.Inject(sessionID, qe.FramedPayload)
		if err != nil {
			slog.Warn("pipeline: drain inject error, will retry on next appearance", "subscription_id", qe.SubscriptionID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if err := p.store.DrainOne(ctx, qe.ID); err != nil {
			slog.Error("pipeline: drain commit", "err", err)
			continue
		}
		sub, err := p.store.GetSubscription(qe.SubscriptionID)
		if err == nil && sub.OneShot {
			if err := p.store.DeleteSubscription(sub.ID); err != nil {
				slog.Error("pipeline: one-shot delete after drain", "err", err)
			}
		}
	}
}

func (p *Pipeline) verifySignature(sub *store.Subscription, headers http.Header, body []byte) (bool, RejectReason) {
	headerName := sub.SignatureHeader
	if headerName == "" {
		headerName = store.DefaultSignatureHeader
	}
	got := headers.Get(headerName)
	if got == "" {
		return false, ReasonMissingSignature
	}
	got = strings.TrimSpace(got)
	if len(got) >= 7 && strings.EqualFold(got[:7], "sha256=") {
		got = got[7:]
	}

	mac := hmac.New(sha256.New, []byte(sub.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if len(got) != len(want) || !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return false, ReasonInvalidSignature
	}
	return true, ""
}

func (p *Pipeline) summarize(sub *store.Subscription, body []byte) string {
	if sub.SummaryExpr == "" {
		return truncate(string(body), gateBodyTruncate)
	}
	res, err := p.filter.Evaluate(sub.SummaryExpr, body)
	if err != nil || res.Dropped {
		if err != nil {
			slog.Warn("pipeline: summary filter error, truncating", "subscription_id", sub.ID, "err", err)
		}
		return truncate(string(body), errorBodyTruncate)
	}
	return string(res.Produced)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// frame renders the XML-ish wrapper a session observes for an injected
// event, including the hint text pointing back at the control-plane tools.
func frame(sub *store.Subscription, eventID, summary string) []byte {
	service := sub.ServiceTag
	if service == "" {
		service = "webhook"
	}
	prompt := sub.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("A %s event was received. Review and take appropriate action.", service)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<webhook-event service=%q event-id=%q>\n", service, eventID)
	b.WriteString(prompt)
	b.WriteString("\n<payload>\n")
	b.WriteString(summary)
	b.WriteString("\n</payload>\n")
	fmt.Fprintf(&b, "To see the full untruncated payload, use the get_event_payload tool with event_id %q.\n", eventID)
	fmt.Fprintf(&b, "If this event is too noisy, or the summary needs tuning, use update_subscription to adjust the summary_filter (jq expression) or jq_filter (to suppress unwanted events entirely) for subscription %q.\n", sub.ID)
	b.WriteString("</webhook-event>")
	return []byte(b.String())
}
