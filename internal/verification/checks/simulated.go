package checks

import (
	"context"
	"slices"
	"strings"
	"time"

	"vetting/internal/verification/models"
)

// DefaultAcceptedOTP is the only code the simulated phone check accepts.
const DefaultAcceptedOTP = "000000"

// SimulatedConfig drives the deterministic development clients. Every result
// they return is marked Simulated and carries a "SIMULATED:" status prefix so
// it can never pass for a real provider answer.
type SimulatedConfig struct {
	Latency         time.Duration
	InvalidIDs      []string
	NameMismatchIDs []string
	FlaggedIDs      []string
	AcceptedOTP     string
	Now             func() time.Time
}

// Simulated implements every check with canned answers.
type Simulated struct {
	cfg SimulatedConfig
}

// NewSimulated builds the simulated clients.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.AcceptedOTP == "" {
		cfg.AcceptedOTP = DefaultAcceptedOTP
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulated{cfg: cfg}
}

// Set returns the simulated clients as a check set.
func (s *Simulated) Set() Set {
	return Set{NationalID: s, CriminalRecord: s, Phone: s}
}

func (s *Simulated) sleep(ctx context.Context, check Type) error {
	if s.cfg.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return NewError(ErrorUnavailable, check, "simulated provider timed out", ctx.Err())
	case <-t.C:
		return nil
	}
}

func (s *Simulated) Validate(ctx context.Context, req NationalIDRequest) (NationalIDResult, error) {
	if err := s.sleep(ctx, CheckNationalID); err != nil {
		return NationalIDResult{}, err
	}
	nid := req.NationalID.String()
	result := NationalIDResult{
		Valid:      true,
		StatusText: "SIMULATED: REGULAR",
		NameMatch:  models.True,
		Simulated:  true,
		Source:     "simulated:national_id",
		CheckedAt:  s.cfg.Now(),
	}
	switch {
	case slices.Contains(s.cfg.InvalidIDs, nid):
		result.Valid = false
		result.StatusText = "SIMULATED: CANCELED"
		result.NameMatch = models.Unknown
	case slices.Contains(s.cfg.NameMismatchIDs, nid):
		result.NameMatch = models.False
	}
	return result, nil
}

func (s *Simulated) Lookup(ctx context.Context, req CriminalRecordRequest) (CriminalRecordResult, error) {
	if err := s.sleep(ctx, CheckCriminalRecord); err != nil {
		return CriminalRecordResult{}, err
	}
	result := CriminalRecordResult{
		Status:    models.CriminalClear,
		Details:   "SIMULATED: no records found",
		Simulated: true,
		Source:    "simulated:criminal_record",
		CheckedAt: s.cfg.Now(),
	}
	if slices.Contains(s.cfg.FlaggedIDs, req.NationalID.String()) {
		result.Status = models.CriminalFlagged
		result.Details = "SIMULATED: open court record"
	}
	return result, nil
}

func (s *Simulated) Verify(ctx context.Context, req PhoneRequest) (PhoneResult, error) {
	if err := s.sleep(ctx, CheckPhone); err != nil {
		return PhoneResult{}, err
	}
	return PhoneResult{
		Verified:  strings.TrimSpace(req.OTPCode) == s.cfg.AcceptedOTP,
		Simulated: true,
		Source:    "simulated:phone",
		CheckedAt: s.cfg.Now(),
	}, nil
}
