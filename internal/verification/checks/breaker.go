package checks

import (
	"context"
	"log/slog"

	"vetting/pkg/platform/circuit"
)

// ProviderHealth tracks one breaker per check. Calls are never skipped while
// a circuit is open: there is no safe fallback verdict, so the breaker only
// feeds health reporting.
type ProviderHealth struct {
	breakers map[Type]*circuit.Breaker
	logger   *slog.Logger
}

// NewProviderHealth builds breakers for every check type.
func NewProviderHealth(logger *slog.Logger, opts ...circuit.Option) *ProviderHealth {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &ProviderHealth{breakers: make(map[Type]*circuit.Breaker, 3), logger: logger}
	for _, t := range []Type{CheckNationalID, CheckCriminalRecord, CheckPhone} {
		h.breakers[t] = circuit.New(string(t), opts...)
	}
	return h
}

// Status returns the breaker state per check.
func (h *ProviderHealth) Status() map[string]string {
	out := make(map[string]string, len(h.breakers))
	for t, b := range h.breakers {
		out[string(t)] = string(b.State())
	}
	return out
}

// Degraded reports whether any provider circuit is open.
func (h *ProviderHealth) Degraded() bool {
	for _, b := range h.breakers {
		if b.IsOpen() {
			return true
		}
	}
	return false
}

// Track wraps set so every provider answer is recorded. Only unavailable
// errors count as failures; a refusal or bad input is a real answer.
func (h *ProviderHealth) Track(set Set) Set {
	t := &tracked{set: set, health: h}
	return Set{NationalID: t, CriminalRecord: t, Phone: t}
}

func (h *ProviderHealth) record(ctx context.Context, check Type, err error) {
	b := h.breakers[check]
	switch {
	case err == nil:
		if _, change := b.RecordSuccess(); change.Closed {
			h.logger.InfoContext(ctx, "check provider recovered", "check", check)
		}
	case GetCategory(err) == ErrorUnavailable:
		if _, change := b.RecordFailure(); change.Opened {
			h.logger.WarnContext(ctx, "check provider circuit opened", "check", check, "error", err)
		}
	}
}

type tracked struct {
	set    Set
	health *ProviderHealth
}

func (t *tracked) Validate(ctx context.Context, req NationalIDRequest) (NationalIDResult, error) {
	res, err := t.set.NationalID.Validate(ctx, req)
	t.health.record(ctx, CheckNationalID, err)
	return res, err
}

func (t *tracked) Lookup(ctx context.Context, req CriminalRecordRequest) (CriminalRecordResult, error) {
	res, err := t.set.CriminalRecord.Lookup(ctx, req)
	t.health.record(ctx, CheckCriminalRecord, err)
	return res, err
}

func (t *tracked) Verify(ctx context.Context, req PhoneRequest) (PhoneResult, error) {
	res, err := t.set.Phone.Verify(ctx, req)
	t.health.record(ctx, CheckPhone, err)
	return res, err
}
