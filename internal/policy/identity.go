package policy

import (
	"time"

	"github.com/attaboy/wagerline/internal/domain"
)

// IdentityPolicy holds the eligibility requirements for staking.
type IdentityPolicy struct {
	RequireKYC bool `json:"require_kyc"`
	MinAge     int  `json:"min_age"`
}

// EvaluateIdentityPolicy returns the denial reason for a profile, or "".
// This is a blocking policy: every check must pass.
func EvaluateIdentityPolicy(policy IdentityPolicy, p *domain.RiskProfile, now time.Time) string {
	if !p.CountryEligible {
		return domain.ReasonCountryRestricted
	}
	if policy.RequireKYC && !p.KYCVerified {
		return domain.ReasonKYCRequired
	}
	if policy.MinAge > 0 {
		if p.BirthDate == nil {
			if policy.RequireKYC {
				return domain.ReasonKYCRequired
			}
			return ""
		}
		if AgeAt(*p.BirthDate, now) < policy.MinAge {
			return domain.ReasonUnderage
		}
	}
	return ""
}

// AgeAt is the number of whole years between birth and now.
func AgeAt(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	return years
}
