package onchain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChargeScript is one scripted charge outcome. Delay holds the call until it
// elapses or the context ends.
type ChargeScript struct {
	Result core.ChargeResult
	Err    error
	Delay  time.Duration
}

// Sandbox is an in-memory Onchain. Charges consume scripts in order and the
// last script repeats once the list is exhausted; without scripts every
// charge succeeds.
type Sandbox struct {
	mu          sync.Mutex
	scripts     []ChargeScript
	permissions map[string]core.PermissionStatus
	revoked     map[string]bool
	charges     []core.ChargeRequest
	Now         func() time.Time
}

func NewSandbox(scripts ...ChargeScript) *Sandbox {
	return &Sandbox{
		scripts:     append([]ChargeScript(nil), scripts...),
		permissions: map[string]core.PermissionStatus{},
		revoked:     map[string]bool{},
	}
}

// SetPermission overrides the status reported for a subscription.
func (s *Sandbox) SetPermission(subscriptionID string, status core.PermissionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[strings.TrimSpace(subscriptionID)] = status
}

func (s *Sandbox) Script(scripts ...ChargeScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, scripts...)
}

func (s *Sandbox) GetPermissionStatus(ctx context.Context, subscriptionID string, _ string) (core.PermissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return core.PermissionStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	subscriptionID = strings.TrimSpace(subscriptionID)
	if status, ok := s.permissions[subscriptionID]; ok {
		if s.revoked[subscriptionID] {
			status.IsActive = false
		}
		return status, nil
	}
	now := s.now()
	next := now.Add(30 * 24 * time.Hour)
	return core.PermissionStatus{
		Exists:             true,
		IsActive:           !s.revoked[subscriptionID],
		CurrentPeriodStart: now,
		NextPeriodStart:    &next,
		RemainingAllowance: decimal.Zero,
	}, nil
}

func (s *Sandbox) Charge(ctx context.Context, req core.ChargeRequest) (core.ChargeResult, error) {
	s.mu.Lock()
	s.charges = append(s.charges, req)
	index := len(s.charges) - 1
	revoked := s.revoked[strings.TrimSpace(req.SubscriptionID)]
	var script *ChargeScript
	if index < len(s.scripts) {
		script = &s.scripts[index]
	} else if len(s.scripts) > 0 {
		script = &s.scripts[len(s.scripts)-1]
	}
	s.mu.Unlock()

	if revoked {
		return core.ChargeResult{}, core.NewChargeError(core.FailurePermissionRevoked, "spend permission revoked", nil)
	}
	if script == nil {
		return core.ChargeResult{TxHash: sandboxHash()}, nil
	}
	if script.Delay > 0 {
		timer := time.NewTimer(script.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return core.ChargeResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if script.Err != nil {
		return core.ChargeResult{}, script.Err
	}
	result := script.Result
	if strings.TrimSpace(result.TxHash) == "" {
		result.TxHash = sandboxHash()
	}
	return result, nil
}

func (s *Sandbox) Revoke(ctx context.Context, subscriptionID string, _ string) (core.RevokeReceipt, error) {
	if err := ctx.Err(); err != nil {
		return core.RevokeReceipt{}, err
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return core.RevokeReceipt{}, fmt.Errorf("onchain: subscription id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[subscriptionID] = true
	return core.RevokeReceipt{TxHash: sandboxHash()}, nil
}

// Charges returns every charge request seen so far.
func (s *Sandbox) Charges() []core.ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ChargeRequest(nil), s.charges...)
}

func (s *Sandbox) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func sandboxHash() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

var _ core.Onchain = (*Sandbox)(nil)
