package registry

import (
	"github.com/weave-nn/weave/pkg/models"
)

// Ranking weights. Proficiency match dominates, then headroom, then
// track record.
const (
	weightMatch       = 0.5
	weightLoad        = 0.3
	weightSuccessRate = 0.2
)

// satisfiesRequired checks that the profile meets every required
// requirement at or above its minimum proficiency.
func satisfiesRequired(profile *models.ExpertProfile, requirements []models.CapabilityRequirement) bool {
	for _, req := range requirements {
		if !req.Required {
			continue
		}
		if !profile.HasCapability(req.Name, req.MinProficiency) {
			return false
		}
	}
	return true
}

// MatchScore returns how well the profile's proficiencies cover the
// requirements, in [0,1]. Required requirements contribute their
// proficiency above the minimum; optional ones contribute when present
// and count as a miss when absent.
func MatchScore(profile *models.ExpertProfile, requirements []models.CapabilityRequirement) float64 {
	if len(requirements) == 0 {
		return 1.0
	}

	total := 0.0
	for _, req := range requirements {
		cap, ok := profile.Capability(req.Name)
		if !ok || cap.Proficiency < req.MinProficiency {
			continue
		}
		total += cap.Proficiency
	}
	score := total / float64(len(requirements))
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// CoveredRequirements returns the subset of requirements the profile
// satisfies at minimum proficiency. Used by decomposition.
func CoveredRequirements(profile *models.ExpertProfile, requirements []models.CapabilityRequirement) []models.CapabilityRequirement {
	covered := make([]models.CapabilityRequirement, 0, len(requirements))
	for _, req := range requirements {
		if profile.HasCapability(req.Name, req.MinProficiency) {
			covered = append(covered, req)
		}
	}
	return covered
}

// scoreExpert ranks a candidate: proficiency match on the request's
// requirements, headroom (lower load scores higher), and recent success
// rate. Experts with no history get a neutral 0.5 so newcomers are not
// starved.
func scoreExpert(profile *models.ExpertProfile, perf *models.PerformanceRecord, requirements []models.CapabilityRequirement) float64 {
	match := MatchScore(profile, requirements)
	headroom := 1.0 - profile.Load()

	successRate := 0.5
	if perf != nil && perf.TasksAttempted > 0 {
		successRate = perf.SuccessRate()
	}

	return weightMatch*match + weightLoad*headroom + weightSuccessRate*successRate
}
