package risk

import (
	"vetting/internal/verification/models"
)

const (
	// DefaultAutoApproveBelow is the score under which a clean record is
	// approved without a human.
	DefaultAutoApproveBelow = 30

	baselineScore         = 10
	nameMismatchWeight    = 35
	criminalFlaggedWeight = 50
	phoneUnverifiedWeight = 15
	checkErrorWeight      = 10
	maxScore              = 100
	lowLevelUpperBound    = 30
	mediumLevelUpperBound = 60
)

// Reasons attached to an assessment.
const (
	ReasonNationalIDInvalid   = "national_id_invalid"
	ReasonNationalIDUnknown   = "national_id_unverified"
	ReasonNameMismatch        = "name_mismatch"
	ReasonNameUnverified      = "name_unverified"
	ReasonCriminalFlagged     = "criminal_record_flagged"
	ReasonCriminalUnavailable = "criminal_record_unavailable"
	ReasonPhoneUnverified     = "phone_unverified"
	ReasonCheckErrors         = "check_errors"
	ReasonScoreAboveThreshold = "score_above_threshold"
)

// Input is everything the scorer looks at. It is built from check results,
// never from the stored record's previous assessment.
type Input struct {
	NationalIDValid models.TriState
	NameMatch       models.TriState
	Criminal        models.CriminalStatus
	PhoneVerified   bool
	CheckErrors     int
}

// Scorer turns check outcomes into a score and a route.
type Scorer struct {
	AutoApproveBelow int
}

// NewScorer returns a scorer; a non-positive threshold falls back to the default.
func NewScorer(autoApproveBelow int) Scorer {
	if autoApproveBelow <= 0 {
		autoApproveBelow = DefaultAutoApproveBelow
	}
	return Scorer{AutoApproveBelow: autoApproveBelow}
}

// Score is pure and deterministic.
func (s Scorer) Score(in Input) models.Assessment {
	threshold := s.AutoApproveBelow
	if threshold <= 0 {
		threshold = DefaultAutoApproveBelow
	}

	if in.NationalIDValid == models.False {
		return models.Assessment{
			Score:                maxScore,
			Level:                models.RiskHigh,
			RequiresManualReview: false,
			Route:                models.RouteReject,
			Reasons:              []string{ReasonNationalIDInvalid},
		}
	}

	score := baselineScore
	manual := false
	forceHigh := false
	var reasons []string

	if in.NationalIDValid == models.Unknown {
		manual = true
		reasons = append(reasons, ReasonNationalIDUnknown)
	}
	switch in.NameMatch {
	case models.False:
		score += nameMismatchWeight
		reasons = append(reasons, ReasonNameMismatch)
	case models.Unknown:
		manual = true
		reasons = append(reasons, ReasonNameUnverified)
	}

	switch in.Criminal {
	case models.CriminalFlagged:
		score += criminalFlaggedWeight
		manual = true
		forceHigh = true
		reasons = append(reasons, ReasonCriminalFlagged)
	case models.CriminalClear:
	default:
		manual = true
		reasons = append(reasons, ReasonCriminalUnavailable)
	}

	if !in.PhoneVerified {
		score += phoneUnverifiedWeight
		reasons = append(reasons, ReasonPhoneUnverified)
	}
	if in.CheckErrors > 0 {
		score += checkErrorWeight * in.CheckErrors
		manual = true
		reasons = append(reasons, ReasonCheckErrors)
	}

	score = min(score, maxScore)
	level := levelFor(score)
	if forceHigh {
		level = models.RiskHigh
	}

	a := models.Assessment{Score: score, Level: level, Reasons: reasons}
	switch {
	case !manual && score < threshold:
		a.Route = models.RouteApprove
	default:
		if !manual {
			a.Reasons = append(a.Reasons, ReasonScoreAboveThreshold)
		}
		a.RequiresManualReview = true
		a.Route = models.RouteManualReview
	}
	return a
}

func levelFor(score int) models.RiskLevel {
	switch {
	case score < lowLevelUpperBound:
		return models.RiskLow
	case score < mediumLevelUpperBound:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}
