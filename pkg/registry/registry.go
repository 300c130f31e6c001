package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weave-nn/weave/pkg/logging"
	"github.com/weave-nn/weave/pkg/models"
)

var (
	// ErrDuplicateExpert is returned when registering an id that exists
	ErrDuplicateExpert = errors.New("expert already registered")
	// ErrExpertNotFound is returned for operations on unknown experts
	ErrExpertNotFound = errors.New("expert not found")
	// ErrExpertBusy is returned when an assignment would exceed capacity
	ErrExpertBusy = errors.New("expert at maximum concurrent tasks")
)

// Registry is the authoritative in-memory store of expert profiles,
// a capability index, and per-expert performance statistics. All
// mutations happen under a single lock so routing queries never observe
// an expert over capacity.
type Registry struct {
	mu          sync.RWMutex
	experts     map[string]*models.ExpertProfile
	performance map[string]*models.PerformanceRecord
	capIndex    map[string]map[string]struct{}
	logger      logging.Logger
}

// Statistics is an aggregate snapshot of registry state
type Statistics struct {
	TotalExperts    int                                 `json:"total_experts"`
	IdleExperts     int                                 `json:"idle_experts"`
	BusyExperts     int                                 `json:"busy_experts"`
	OfflineExperts  int                                 `json:"offline_experts"`
	ActiveTasks     int                                 `json:"active_tasks"`
	CapabilityIndex map[string][]string                 `json:"capability_index"`
	Performance     map[string]models.PerformanceRecord `json:"performance"`
}

// New creates an empty registry
func New(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		experts:     make(map[string]*models.ExpertProfile),
		performance: make(map[string]*models.PerformanceRecord),
		capIndex:    make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// Register adds an expert profile. Fails with ErrDuplicateExpert if the
// id is already registered.
func (r *Registry) Register(profile models.ExpertProfile) error {
	if profile.ID == "" {
		return fmt.Errorf("register: expert id is required")
	}
	if profile.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("register %s: max_concurrent_tasks must be positive", profile.ID)
	}
	for _, c := range profile.Capabilities {
		if c.Proficiency < 0 || c.Proficiency > 1 {
			return fmt.Errorf("register %s: proficiency for %q out of [0,1]", profile.ID, c.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experts[profile.ID]; exists {
		return fmt.Errorf("register %s: %w", profile.ID, ErrDuplicateExpert)
	}

	if profile.Status == "" {
		profile.Status = models.ExpertIdle
	}
	profile.CurrentTasks = append([]string(nil), profile.CurrentTasks...)
	profile.RegisteredAt = time.Now()

	r.experts[profile.ID] = &profile
	r.performance[profile.ID] = &models.PerformanceRecord{ExpertID: profile.ID}
	for _, c := range profile.Capabilities {
		bucket, ok := r.capIndex[c.Name]
		if !ok {
			bucket = make(map[string]struct{})
			r.capIndex[c.Name] = bucket
		}
		bucket[profile.ID] = struct{}{}
	}

	r.logger.Info("expert registered",
		logging.String("expert_id", profile.ID),
		logging.String("type", string(profile.Type)),
		logging.Int("capabilities", len(profile.Capabilities)))
	return nil
}

// Deregister removes an expert and every capability-index bucket entry
// it occupied.
func (r *Registry) Deregister(expertID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.experts[expertID]
	if !ok {
		return fmt.Errorf("deregister %s: %w", expertID, ErrExpertNotFound)
	}

	for _, c := range profile.Capabilities {
		if bucket, ok := r.capIndex[c.Name]; ok {
			delete(bucket, expertID)
			if len(bucket) == 0 {
				delete(r.capIndex, c.Name)
			}
		}
	}
	delete(r.experts, expertID)
	delete(r.performance, expertID)

	r.logger.Info("expert deregistered", logging.String("expert_id", expertID))
	return nil
}

// UpdateStatus sets the expert's availability status
func (r *Registry) UpdateStatus(expertID string, status models.ExpertStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.experts[expertID]
	if !ok {
		return fmt.Errorf("update status %s: %w", expertID, ErrExpertNotFound)
	}
	profile.Status = status
	return nil
}

// Get returns a copy of one expert profile
func (r *Registry) Get(expertID string) (*models.ExpertProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.experts[expertID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", expertID, ErrExpertNotFound)
	}
	cp := copyProfile(profile)
	return &cp, nil
}

// List returns copies of all registered profiles
func (r *Registry) List() []models.ExpertProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ExpertProfile, 0, len(r.experts))
	for _, p := range r.experts {
		out = append(out, copyProfile(p))
	}
	return out
}

// Count returns the number of registered experts
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.experts)
}

// FindExperts returns experts satisfying every required requirement,
// ranked descending by a score combining optional proficiency match,
// current load, and recent success rate. The capability index narrows
// the candidate set before scoring.
func (r *Registry) FindExperts(requirements []models.CapabilityRequirement) []models.ExpertProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.candidateIDs(requirements)

	type scored struct {
		profile models.ExpertProfile
		score   float64
	}
	matches := make([]scored, 0, len(candidates))

	for id := range candidates {
		profile := r.experts[id]
		if profile.Status == models.ExpertOffline {
			continue
		}
		if !satisfiesRequired(profile, requirements) {
			continue
		}
		matches = append(matches, scored{
			profile: copyProfile(profile),
			score:   scoreExpert(profile, r.performance[id], requirements),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].profile.ID < matches[j].profile.ID
	})

	out := make([]models.ExpertProfile, len(matches))
	for i, m := range matches {
		out[i] = m.profile
	}
	return out
}

// GetBestExpert returns the head of the FindExperts ranking, or false
// when no expert satisfies the required requirements.
func (r *Registry) GetBestExpert(requirements []models.CapabilityRequirement) (*models.ExpertProfile, bool) {
	ranked := r.FindExperts(requirements)
	if len(ranked) == 0 {
		return nil, false
	}
	return &ranked[0], true
}

// AssignTask reserves capacity on an expert for a task. The capacity
// invariant |currentTasks| <= maxConcurrentTasks is enforced here under
// the write lock.
func (r *Registry) AssignTask(expertID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.experts[expertID]
	if !ok {
		return fmt.Errorf("assign %s: %w", expertID, ErrExpertNotFound)
	}
	if len(profile.CurrentTasks) >= profile.MaxConcurrentTasks {
		return fmt.Errorf("assign %s to %s: %w", taskID, expertID, ErrExpertBusy)
	}
	for _, t := range profile.CurrentTasks {
		if t == taskID {
			return fmt.Errorf("assign %s to %s: task already assigned", taskID, expertID)
		}
	}

	profile.CurrentTasks = append(profile.CurrentTasks, taskID)
	if len(profile.CurrentTasks) >= profile.MaxConcurrentTasks {
		profile.Status = models.ExpertBusy
	}
	return nil
}

// ReleaseTask removes a task reservation without recording a
// completion. Used to roll back a partially reserved decomposition.
func (r *Registry) ReleaseTask(expertID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.experts[expertID]
	if !ok {
		return fmt.Errorf("release %s: %w", expertID, ErrExpertNotFound)
	}
	for i, t := range profile.CurrentTasks {
		if t == taskID {
			profile.CurrentTasks = append(profile.CurrentTasks[:i], profile.CurrentTasks[i+1:]...)
			break
		}
	}
	if profile.Status == models.ExpertBusy && len(profile.CurrentTasks) < profile.MaxConcurrentTasks {
		profile.Status = models.ExpertIdle
	}
	return nil
}

// RecordTaskCompletion atomically updates the expert's performance
// record and removes the task, decrementing load. Called exactly once
// per completion event.
func (r *Registry) RecordTaskCompletion(expertID, taskID string, success bool, responseTimeMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.experts[expertID]
	if !ok {
		return fmt.Errorf("complete %s: %w", expertID, ErrExpertNotFound)
	}

	for i, t := range profile.CurrentTasks {
		if t == taskID {
			profile.CurrentTasks = append(profile.CurrentTasks[:i], profile.CurrentTasks[i+1:]...)
			break
		}
	}
	if profile.Status == models.ExpertBusy && len(profile.CurrentTasks) < profile.MaxConcurrentTasks {
		profile.Status = models.ExpertIdle
	}

	perf := r.performance[expertID]
	total := float64(perf.TasksAttempted)*perf.AvgResponseTimeMs + responseTimeMs
	perf.TasksAttempted++
	if success {
		perf.TasksSucceeded++
	}
	perf.AvgResponseTimeMs = total / float64(perf.TasksAttempted)
	perf.LastUpdated = time.Now()

	r.logger.Debug("task completion recorded",
		logging.String("expert_id", expertID),
		logging.String("task_id", taskID),
		logging.Bool("success", success),
		logging.Float64("response_time_ms", responseTimeMs))
	return nil
}

// Performance returns a copy of one expert's performance record
func (r *Registry) Performance(expertID string) (*models.PerformanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perf, ok := r.performance[expertID]
	if !ok {
		return nil, fmt.Errorf("performance %s: %w", expertID, ErrExpertNotFound)
	}
	cp := *perf
	return &cp, nil
}

// Statistics returns aggregate counts, a capability index copy, and
// per-expert performance snapshots.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		TotalExperts:    len(r.experts),
		CapabilityIndex: make(map[string][]string, len(r.capIndex)),
		Performance:     make(map[string]models.PerformanceRecord, len(r.performance)),
	}

	for _, p := range r.experts {
		switch p.Status {
		case models.ExpertIdle:
			stats.IdleExperts++
		case models.ExpertBusy:
			stats.BusyExperts++
		case models.ExpertOffline:
			stats.OfflineExperts++
		}
		stats.ActiveTasks += len(p.CurrentTasks)
	}

	for name, bucket := range r.capIndex {
		ids := make([]string, 0, len(bucket))
		for id := range bucket {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		stats.CapabilityIndex[name] = ids
	}

	for id, perf := range r.performance {
		stats.Performance[id] = *perf
	}

	return stats
}

// candidateIDs uses the capability index to narrow the search. With no
// required requirement every expert is a candidate.
func (r *Registry) candidateIDs(requirements []models.CapabilityRequirement) map[string]struct{} {
	var narrowest map[string]struct{}
	for _, req := range requirements {
		if !req.Required {
			continue
		}
		bucket := r.capIndex[req.Name]
		if narrowest == nil || len(bucket) < len(narrowest) {
			narrowest = bucket
		}
	}

	candidates := make(map[string]struct{})
	if narrowest == nil {
		for id := range r.experts {
			candidates[id] = struct{}{}
		}
		return candidates
	}
	for id := range narrowest {
		candidates[id] = struct{}{}
	}
	return candidates
}

func copyProfile(p *models.ExpertProfile) models.ExpertProfile {
	cp := *p
	cp.Capabilities = append([]models.Capability(nil), p.Capabilities...)
	cp.CurrentTasks = append([]string(nil), p.CurrentTasks...)
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
