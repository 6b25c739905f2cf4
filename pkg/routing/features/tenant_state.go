package features

import (
	"context"
	"strconv"
	"time"

	"github.com/routepilot/gateway/pkg/kv"
)

// TenantStateReader provides the bounded, read-only tenant-state lookups the
// Feature Extractor needs: recent-message history (for novelty), per-user
// tier, and failure-rate gauges. Extract never writes through this reader.
type TenantStateReader interface {
	// RecentMessages returns up to MaxHistoryMessages previous message
	// bodies for the tenant, newest first.
	RecentMessages(ctx context.Context, tenantID string) ([]string, error)
	// UserTier returns the configured tier for a user, or "" if unknown.
	UserTier(ctx context.Context, tenantID, userID string) (string, error)
	// TenantDefaultUserTier returns the tenant's default user tier, or ""
	// if unconfigured.
	TenantDefaultUserTier(ctx context.Context, tenantID string) (string, error)
	// UserFailureRate returns a user-specific failure-rate gauge, or (0, false)
	// if absent.
	UserFailureRate(ctx context.Context, tenantID, userID string) (float64, bool, error)
	// TenantFailureRate returns the tenant-wide failure-rate gauge, or
	// (0, false) if absent.
	TenantFailureRate(ctx context.Context, tenantID string) (float64, bool, error)
	// RecordMessage pushes the message body onto the head of the tenant's
	// history list, capped to MaxHistoryMessages. Called by the caller after extraction,
	// never by Extract itself (Extract never writes tenant state).
	RecordMessage(ctx context.Context, tenantID, message string) error
}

// kvTenantState is the production TenantStateReader backed by the KV store,
// namespaced under its own key prefix.
type kvTenantState struct {
	store kv.Store
}

// NewKVTenantState returns a TenantStateReader backed by store.
func NewKVTenantState(store kv.Store) TenantStateReader {
	return &kvTenantState{store: store}
}

func historyKey(tenantID string) string {
	return "router:history:" + tenantID
}

func userTierKey(tenantID, userID string) string {
	return "router:usertier:" + tenantID + ":" + userID
}

func tenantDefaultTierKey(tenantID string) string {
	return "router:usertier:default:" + tenantID
}

func userFailureKey(tenantID, userID string) string {
	return "router:failure:" + tenantID + ":" + userID
}

func tenantFailureKey(tenantID string) string {
	return "router:failure:tenant:" + tenantID
}

func (k *kvTenantState) RecentMessages(ctx context.Context, tenantID string) ([]string, error) {
	return k.store.LRange(ctx, historyKey(tenantID), 0, int64(MaxHistoryMessages-1))
}

func (k *kvTenantState) UserTier(ctx context.Context, tenantID, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	v, err := k.store.Get(ctx, userTierKey(tenantID, userID))
	if err == kv.ErrNotFound {
		return "", nil
	}
	return v, err
}

func (k *kvTenantState) TenantDefaultUserTier(ctx context.Context, tenantID string) (string, error) {
	v, err := k.store.Get(ctx, tenantDefaultTierKey(tenantID))
	if err == kv.ErrNotFound {
		return "", nil
	}
	return v, err
}

func (k *kvTenantState) UserFailureRate(ctx context.Context, tenantID, userID string) (float64, bool, error) {
	if userID == "" {
		return 0, false, nil
	}
	v, err := k.store.Get(ctx, userFailureKey(tenantID, userID))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, nil
	}
	return f, true, nil
}

func (k *kvTenantState) TenantFailureRate(ctx context.Context, tenantID string) (float64, bool, error) {
	v, err := k.store.Get(ctx, tenantFailureKey(tenantID))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, nil
	}
	return f, true, nil
}

func (k *kvTenantState) RecordMessage(ctx context.Context, tenantID, message string) error {
	key := historyKey(tenantID)
	if err := k.store.LPush(ctx, key, message); err != nil {
		return err
	}
	if err := k.store.LTrim(ctx, key, 0, int64(MaxHistoryMessages-1)); err != nil {
		return err
	}
	return k.store.Expire(ctx, key, 24*time.Hour)
}
