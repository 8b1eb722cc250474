package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"webhookbroker/internal/store"
	"webhookbroker/internal/tunnel"
)

type createSubscriptionArgs struct {
	SessionID     string `json:"session_id"`
	Service       string `json:"service"`
	Name          string `json:"name"`
	HMACSecret    string `json:"hmac_secret"`
	HMACHeader    string `json:"hmac_header"`
	Prompt        string `json:"prompt"`
	JQFilter      string `json:"jq_filter"`
	SummaryFilter string `json:"summary_filter"`
	OneShot       bool   `json:"one_shot"`
}

func (cp *ControlPlane) createSubscription(arguments json.RawMessage) (any, *RPCError) {
	var args createSubscriptionArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errf(CodeInvalidParams, "invalid arguments: %v", err)
	}
	if args.SessionID == "" {
		return nil, errf(CodeInvalidParams, "session_id is required")
	}

	sub, err := cp.store.CreateSubscription(&store.Subscription{
		SessionID:       args.SessionID,
		ServiceTag:      args.Service,
		DisplayName:     args.Name,
		Secret:          args.HMACSecret,
		SignatureHeader: args.HMACHeader,
		Prompt:          args.Prompt,
		GateExpr:        args.JQFilter,
		SummaryExpr:     args.SummaryFilter,
		OneShot:         args.OneShot,
	})
	if err != nil {
		return nil, errf(CodeInternalError, "create subscription: %v", err)
	}

	return map[string]any{
		"id":          sub.ID,
		"webhook_url": cp.webhookURL(sub.ID),
	}, nil
}

type listSubscriptionsArgs struct {
	SessionID string `json:"session_id"`
}

func (cp *ControlPlane) listSubscriptions(arguments json.RawMessage) (any, *RPCError) {
	var args listSubscriptionsArgs
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, errf(CodeInvalidParams, "invalid arguments: %v", err)
		}
	}

	var subs []*store.Subscription
	var err error
	if args.SessionID != "" {
		subs, err = cp.store.ListSubscriptionsBySession(args.SessionID)
	} else {
		subs, err = cp.store.ListSubscriptions()
	}
	if err != nil {
		return nil, errf(CodeInternalError, "list subscriptions: %v", err)
	}
	return subs, nil
}

type updateSubscriptionArgs struct {
	ID            string  `json:"id"`
	Service       *string `json:"service"`
	Name          *string `json:"name"`
	HMACSecret    *string `json:"hmac_secret"`
	HMACHeader    *string `json:"hmac_header"`
	Prompt        *string `json:"prompt"`
	JQFilter      *string `json:"jq_filter"`
	SummaryFilter *string `json:"summary_filter"`
	OneShot       *bool   `json:"one_shot"`
	Status        *string `json:"status"`
}

func (cp *ControlPlane) updateSubscription(arguments json.RawMessage) (any, *RPCError) {
	var args updateSubscriptionArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errf(CodeInvalidParams, "invalid arguments: %v", err)
	}
	if args.ID == "" {
		return nil, errf(CodeInvalidParams, "id is required")
	}

	sub, err := cp.store.GetSubscription(args.ID)
	if err == store.ErrNotFound {
		return nil, errf(CodeInvalidParams, "unknown subscription %q", args.ID)
	}
	if err != nil {
		return nil, errf(CodeInternalError, "get subscription: %v", err)
	}

	if args.Service != nil {
		sub.ServiceTag = *args.Service
	}
	if args.Name != nil {
		sub.DisplayName = *args.Name
	}
	if args.HMACSecret != nil {
		sub.Secret = *args.HMACSecret
	}
	if args.HMACHeader != nil {
		sub.SignatureHeader = *args.HMACHeader
	}
	if args.Prompt != nil {
		sub.Prompt = *args.Prompt
	}
	if args.JQFilter != nil {
		sub.GateExpr = *args.JQFilter
	}
	if args.SummaryFilter != nil {
		sub.SummaryExpr = *args.SummaryFilter
	}
	if args.OneShot != nil {
		sub.OneShot = *args.OneShot
	}
	if args.Status != nil {
		sub.Status = store.SubscriptionStatus(*args.Status)
	}

	if err := cp.store.UpdateSubscription(sub); err != nil {
		return nil, errf(CodeInternalError, "update subscription: %v", err)
	}
	return sub, nil
}

type idArgs struct {
	ID string `json:"id"`
}

func (cp *ControlPlane) deleteSubscription(arguments json.RawMessage) (any, *RPCError) {
	var args idArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errf(CodeInvalidParams, "invalid arguments: %v", err)
	}
	if err := cp.store.DeleteSubscription(args.ID); err != nil {
		return nil, errf(CodeInternalError, "delete subscription: %v", err)
	}
	return map[string]any{"deleted": true}, nil
}

type eventIDArgs struct {
	EventID string `json:"event_id"`
}

func (cp *ControlPlane) getEventPayload(arguments json.RawMessage) (any, *RPCError) {
	var args eventIDArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errf(CodeInvalidParams, "invalid arguments: %v", err)
	}
	ev, err := cp.store.GetEvent(args.EventID)
	if err == store.ErrNotFound {
		return nil, errf(CodeInvalidParams, "unknown event %q", args.EventID)
	}
	if err != nil {
		return nil, errf(CodeInternalError, "get event: %v", err)
	}
	return map[string]any{"payload": ev.Payload}, nil
}

type subscriptionIDArgs struct {
	SubscriptionID string `json:"subscription_id"`
}

func (cp *ControlPlane) getPublicWebhookURL(arguments json.RawMessage) (any, *RPCError) {
	var args subscriptionIDArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errf(CodeInvalidParams, "invalid arguments: %v", err)
	}
	if _, err := cp.store.GetSubscription(args.SubscriptionID); err == store.ErrNotFound {
		return nil, errf(CodeInvalidParams, "unknown subscription %q", args.SubscriptionID)
	} else if err != nil {
		return nil, errf(CodeInternalError, "get subscription: %v", err)
	}
	return map[string]any{"url": cp.webhookURL(args.SubscriptionID)}, nil
}

func (cp *ControlPlane) webhookURL(subscriptionID string) string {
	base := ""
	if cp.publicURL != nil {
		base = cp.publicURL()
	}
	return fmt.Sprintf("%s/webhook/%s", base, subscriptionID)
}

func (cp *ControlPlane) startTunnel(arguments json.RawMessage) (any, *RPCError) {
	if cp.tunnel == nil {
		return nil, errf(CodeInternalError, "tunnel supervisor not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := cp.tunnel.StartWithMode(ctx, tunnel.ModeNamed); err != nil {
		return nil, errf(CodeInternalError, "start tunnel: %v", err)
	}
	return cp.tunnelStatus(), nil
}

func (cp *ControlPlane) startQuickTunnel(arguments json.RawMessage) (any, *RPCError) {
	if cp.tunnel == nil {
		return nil, errf(CodeInternalError, "tunnel supervisor not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 32*time.Second)
	defer cancel()
	if err := cp.tunnel.StartWithMode(ctx, tunnel.ModeQuick); err != nil {
		return nil, errf(CodeInternalError, "start quick tunnel: %v", err)
	}
	return cp.tunnelStatus(), nil
}

func (cp *ControlPlane) stopTunnel(arguments json.RawMessage) (any, *RPCError) {
	if cp.tunnel == nil {
		return nil, errf(CodeInternalError, "tunnel supervisor not configured")
	}
	if err := cp.tunnel.Stop(); err != nil {
		return nil, errf(CodeInternalError, "stop tunnel: %v", err)
	}
	return cp.tunnelStatus(), nil
}

func (cp *ControlPlane) getTunnelStatus(arguments json.RawMessage) (any, *RPCError) {
	if cp.tunnel == nil {
		return map[string]any{"status": string(tunnel.Inactive)}, nil
	}
	return cp.tunnelStatus(), nil
}

func (cp *ControlPlane) tunnelStatus() map[string]any {
	state, url := cp.tunnel.State()
	out := map[string]any{"status": string(state)}
	if url != "" {
		out["public_url"] = url
	}
	return out
}
