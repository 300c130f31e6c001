// Package router assigns task-routing requests to experts using the
// registry's capability ranking, decomposing across several experts
// when no single one qualifies, and falling back to a best-effort
// assignment rather than failing on a routing miss.
package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/weave-nn/weave/pkg/config"
	"github.com/weave-nn/weave/pkg/logging"
	"github.com/weave-nn/weave/pkg/models"
	"github.com/weave-nn/weave/pkg/registry"
)

var (
	// ErrNoExperts is returned when routing with zero registered experts
	ErrNoExperts = errors.New("no experts registered")
	// ErrEmptyRequest is returned for requests with neither requirements
	// nor preferred experts
	ErrEmptyRequest = errors.New("routing request has no requirements and no preferred experts")
	// ErrPartialCoverage is returned, only under RejectPartial, when a
	// decomposition cannot cover every required capability
	ErrPartialCoverage = errors.New("decomposition does not cover all required capabilities")
)

// Router routes tasks against the expert registry
type Router struct {
	registry *registry.Registry
	cfg      config.RouterConfig
	logger   logging.Logger
}

// New creates a task router
func New(reg *registry.Registry, cfg config.RouterConfig, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Router{registry: reg, cfg: cfg, logger: logger}
}

// Route resolves a routing request to an assignment. It fails only on
// malformed requests or an empty registry; a miss on required
// capabilities yields a decomposition or a fallback result instead.
func (r *Router) Route(req models.RoutingRequest) (*models.RoutingResult, error) {
	start := time.Now()

	if req.TaskID == "" {
		return nil, fmt.Errorf("route: task id is required")
	}
	if len(req.Requirements) == 0 && len(req.PreferredExperts) == 0 {
		return nil, fmt.Errorf("route %s: %w", req.TaskID, ErrEmptyRequest)
	}
	if r.registry.Count() == 0 {
		return nil, fmt.Errorf("route %s: %w", req.TaskID, ErrNoExperts)
	}

	excluded := make(map[string]struct{}, len(req.ExcludedExperts))
	for _, id := range req.ExcludedExperts {
		excluded[id] = struct{}{}
	}

	candidates := r.eligible(req.Requirements, excluded)

	if len(candidates) > 0 {
		chosen := r.pickPreferred(candidates, req.PreferredExperts)
		if expert := r.reserve(chosen, req.TaskID); expert != "" {
			return r.finish(&models.RoutingResult{
				TaskID:    req.TaskID,
				ExpertIDs: []string{expert},
			}, start), nil
		}
	}

	// No expert satisfies everything (or none had capacity). Try to
	// split the requirements across several experts.
	if req.MaxExperts > 1 {
		result, err := r.decompose(req, excluded)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return r.finish(result, start), nil
		}
	}

	return r.fallback(req, excluded, start)
}

// CompleteTask records the outcome of an assigned task, updating the
// expert's performance statistics and releasing its capacity.
func (r *Router) CompleteTask(taskID, expertID string, success bool, responseTimeMs float64) error {
	if err := r.registry.RecordTaskCompletion(expertID, taskID, success, responseTimeMs); err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return nil
}

// eligible returns ranked candidates minus the excluded set
func (r *Router) eligible(requirements []models.CapabilityRequirement, excluded map[string]struct{}) []models.ExpertProfile {
	ranked := r.registry.FindExperts(requirements)
	out := ranked[:0]
	for _, p := range ranked {
		if _, skip := excluded[p.ID]; skip {
			continue
		}
		out = append(out, p)
	}
	return out
}

// pickPreferred moves candidates named in preferred to the front,
// keeping registry rank as the tie-break within each group.
func (r *Router) pickPreferred(candidates []models.ExpertProfile, preferred []string) []models.ExpertProfile {
	if len(preferred) == 0 {
		return candidates
	}
	prefSet := make(map[string]struct{}, len(preferred))
	for _, id := range preferred {
		prefSet[id] = struct{}{}
	}

	front := make([]models.ExpertProfile, 0, len(candidates))
	rest := make([]models.ExpertProfile, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := prefSet[c.ID]; ok {
			front = append(front, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(front, rest...)
}

// reserve walks the ranking and reserves capacity on the first expert
// that can accept the task. Returns the chosen expert id, or empty.
func (r *Router) reserve(candidates []models.ExpertProfile, taskID string) string {
	for _, c := range candidates {
		if err := r.registry.AssignTask(c.ID, taskID); err == nil {
			return c.ID
		}
	}
	return ""
}

// decompose partitions required requirements into clusters, each
// satisfiable by one expert, producing one subtask per cluster. Greedy:
// the expert covering the most remaining requirements claims them.
// Returns nil when decomposition gains nothing over a single expert.
func (r *Router) decompose(req models.RoutingRequest, excluded map[string]struct{}) (*models.RoutingResult, error) {
	required := make([]models.CapabilityRequirement, 0, len(req.Requirements))
	for _, rq := range req.Requirements {
		if rq.Required {
			required = append(required, rq)
		}
	}
	if len(required) < 2 {
		return nil, nil
	}

	maxExperts := req.MaxExperts
	if maxExperts > r.cfg.MaxDecomposition {
		maxExperts = r.cfg.MaxDecomposition
	}

	remaining := required
	used := make(map[string]struct{})
	var subtasks []models.Subtask

	for len(remaining) > 0 && len(subtasks) < maxExperts {
		bestID := ""
		var bestCover []models.CapabilityRequirement

		for _, p := range r.registry.List() {
			if _, skip := excluded[p.ID]; skip {
				continue
			}
			if _, skip := used[p.ID]; skip {
				continue
			}
			if !p.CanAccept() {
				continue
			}
			profile := p
			cover := registry.CoveredRequirements(&profile, remaining)
			if len(cover) > len(bestCover) {
				bestID = p.ID
				bestCover = cover
			}
		}

		if bestID == "" || len(bestCover) == 0 {
			break
		}

		used[bestID] = struct{}{}
		subtasks = append(subtasks, models.Subtask{
			ID:           fmt.Sprintf("%s.%d", req.TaskID, len(subtasks)+1),
			ParentTaskID: req.TaskID,
			ExpertID:     bestID,
			Requirements: bestCover,
		})
		remaining = subtractRequirements(remaining, bestCover)
	}

	if len(subtasks) < 2 {
		return nil, nil
	}

	if len(remaining) > 0 {
		if r.cfg.RejectPartial {
			return nil, fmt.Errorf("route %s: %w", req.TaskID, ErrPartialCoverage)
		}
		// Partial coverage degrades to the fallback path.
		return nil, nil
	}

	result := &models.RoutingResult{
		TaskID:     req.TaskID,
		Decomposed: true,
		Subtasks:   subtasks,
	}
	reserved := make([]models.Subtask, 0, len(subtasks))
	for _, st := range subtasks {
		if err := r.registry.AssignTask(st.ExpertID, st.ID); err != nil {
			// Capacity changed under us; release reservations and let
			// the caller fall back.
			for _, done := range reserved {
				_ = r.registry.ReleaseTask(done.ExpertID, done.ID)
			}
			return nil, nil
		}
		reserved = append(reserved, st)
		result.ExpertIDs = append(result.ExpertIDs, st.ExpertID)
	}
	return result, nil
}

// fallback assigns the single best-ranked expert regardless of missing
// requirements and flags the result.
func (r *Router) fallback(req models.RoutingRequest, excluded map[string]struct{}, start time.Time) (*models.RoutingResult, error) {
	// Rank on optional-only requirements so required misses no longer
	// filter anyone out.
	relaxed := make([]models.CapabilityRequirement, len(req.Requirements))
	for i, rq := range req.Requirements {
		rq.Required = false
		relaxed[i] = rq
	}

	candidates := r.eligible(relaxed, excluded)
	candidates = r.pickPreferred(candidates, req.PreferredExperts)
	expert := r.reserve(candidates, req.TaskID)
	if expert == "" {
		return nil, fmt.Errorf("route %s: no expert has capacity", req.TaskID)
	}

	r.logger.Warn("fallback assignment",
		logging.String("task_id", req.TaskID),
		logging.String("expert_id", expert))

	return r.finish(&models.RoutingResult{
		TaskID:    req.TaskID,
		ExpertIDs: []string{expert},
		Fallback:  true,
	}, start), nil
}

func (r *Router) finish(result *models.RoutingResult, start time.Time) *models.RoutingResult {
	result.RoutedAt = time.Now()
	result.RoutedInMs = float64(time.Since(start).Microseconds()) / 1000.0
	r.logger.Debug("task routed",
		logging.String("task_id", result.TaskID),
		logging.Any("expert_ids", result.ExpertIDs),
		logging.Bool("decomposed", result.Decomposed),
		logging.Bool("fallback", result.Fallback),
		logging.Float64("routed_in_ms", result.RoutedInMs))
	return result
}

func subtractRequirements(from, remove []models.CapabilityRequirement) []models.CapabilityRequirement {
	removed := make(map[string]struct{}, len(remove))
	for _, rq := range remove {
		removed[rq.Name] = struct{}{}
	}
	out := make([]models.CapabilityRequirement, 0, len(from))
	for _, rq := range from {
		if _, ok := removed[rq.Name]; !ok {
			out = append(out, rq)
		}
	}
	return out
}
