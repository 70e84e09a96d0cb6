package lending

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"crosslend/crypto"
)

// PayoutLimiter throttles the release of underlying from a market. The core
// consults it synchronously on every payout and branches: immediate payout
// plus consumption on success, or a deferred agreement on refusal. The
// limiter's internal policy engine is a collaborator, not part of this module.
type PayoutLimiter interface {
	PreviewCanPayNow(marketID string, amount *big.Int) bool
	Consume(marketID string, amount *big.Int)
	CreateDeferredAgreement(kind string, amount *big.Int, beneficiary crypto.Address) (string, error)
}

// DeferredAgreement records a payout that could not clear the limiter window
// and waits in the market's holding balance.
type DeferredAgreement struct {
	ID          string
	Kind        string
	Amount      *big.Int
	Beneficiary crypto.Address
	CreatedAt   uint64
}

// PayoutPolicy caps the underlying a single market may release per window.
type PayoutPolicy struct {
	Market    string
	WindowCap *big.Int
}

type payoutPolicyFile struct {
	Market    string `yaml:"market"`
	WindowCap string `yaml:"window_cap"`
}

// LoadPayoutPolicies reads per-market payout caps from a YAML file.
func LoadPayoutPolicies(path string) ([]PayoutPolicy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open payout policies: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var entries []payoutPolicyFile
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode payout policies: %w", err)
	}
	policies := make([]PayoutPolicy, 0, len(entries))
	seen := make(map[string]struct{})
	for _, entry := range entries {
		market := strings.TrimSpace(entry.Market)
		if market == "" {
			return nil, fmt.Errorf("payout policy market required")
		}
		if _, exists := seen[market]; exists {
			return nil, fmt.Errorf("duplicate payout policy for market %s", market)
		}
		capAmount, err := parseWeiAmount(entry.WindowCap)
		if err != nil {
			return nil, fmt.Errorf("market %s window_cap: %w", market, err)
		}
		policies = append(policies, PayoutPolicy{Market: market, WindowCap: capAmount})
		seen[market] = struct{}{}
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Market < policies[j].Market })
	return policies, nil
}

func parseWeiAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

// WindowLimiter enforces the configured payout caps over a rolling window.
// Markets without a policy are unthrottled.
type WindowLimiter struct {
	mu       sync.Mutex
	caps     map[string]*big.Int
	used     map[string]*big.Int
	window   uint64
	windowAt map[string]uint64
	now      func() uint64
	seq      uint64
	deferred map[string]DeferredAgreement
	logger   *slog.Logger
}

// NewWindowLimiter constructs a limiter from the supplied policies. window is
// the cap period in seconds; now supplies the current timestamp.
func NewWindowLimiter(policies []PayoutPolicy, window uint64, now func() uint64) *WindowLimiter {
	caps := make(map[string]*big.Int, len(policies))
	for _, policy := range policies {
		if policy.WindowCap != nil && policy.WindowCap.Sign() > 0 {
			caps[policy.Market] = new(big.Int).Set(policy.WindowCap)
		}
	}
	return &WindowLimiter{
		caps:     caps,
		used:     make(map[string]*big.Int),
		window:   window,
		windowAt: make(map[string]uint64),
		now:      now,
		deferred: make(map[string]DeferredAgreement),
		logger:   slog.Default(),
	}
}

// SetLogger overrides the structured logger used for deferred payout records.
func (l *WindowLimiter) SetLogger(logger *slog.Logger) {
	if l == nil || logger == nil {
		return
	}
	l.logger = logger
}

func (l *WindowLimiter) rollWindow(marketID string) {
	if l.now == nil || l.window == 0 {
		return
	}
	now := l.now()
	start, ok := l.windowAt[marketID]
	if !ok || now-start >= l.window {
		l.windowAt[marketID] = now
		l.used[marketID] = big.NewInt(0)
	}
}

// PreviewCanPayNow reports whether the amount fits in the market's remaining
// window allowance without consuming any of it.
func (l *WindowLimiter) PreviewCanPayNow(marketID string, amount *big.Int) bool {
	if l == nil || amount == nil || amount.Sign() <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	capAmount, ok := l.caps[marketID]
	if !ok {
		return true
	}
	l.rollWindow(marketID)
	used := l.used[marketID]
	if used == nil {
		used = big.NewInt(0)
	}
	total := new(big.Int).Add(used, amount)
	return total.Cmp(capAmount) <= 0
}

// Consume charges the amount against the market's window allowance.
func (l *WindowLimiter) Consume(marketID string, amount *big.Int) {
	if l == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.caps[marketID]; !ok {
		return
	}
	l.rollWindow(marketID)
	used := l.used[marketID]
	if used == nil {
		used = big.NewInt(0)
	}
	l.used[marketID] = new(big.Int).Add(used, amount)
}

// CreateDeferredAgreement registers a payout claim to be honoured later.
func (l *WindowLimiter) CreateDeferredAgreement(kind string, amount *big.Int, beneficiary crypto.Address) (string, error) {
	if l == nil {
		return "", fmt.Errorf("payout limiter not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("deferred agreement amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("defer-%d", l.seq)
	agreement := DeferredAgreement{
		ID:          id,
		Kind:        kind,
		Amount:      new(big.Int).Set(amount),
		Beneficiary: beneficiary,
	}
	if l.now != nil {
		agreement.CreatedAt = l.now()
	}
	l.deferred[id] = agreement
	if l.logger != nil {
		l.logger.Info("payout deferred",
			slog.String("agreement", id),
			slog.String("kind", kind),
			slog.String("amount", amount.String()),
			slog.String("beneficiary", beneficiary.String()),
		)
	}
	return id, nil
}

// DeferredAgreements returns the registered agreements sorted by identifier.
func (l *WindowLimiter) DeferredAgreements() []DeferredAgreement {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DeferredAgreement, 0, len(l.deferred))
	for _, agreement := range l.deferred {
		copied := agreement
		copied.Amount = new(big.Int).Set(agreement.Amount)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
