package models

import (
	"time"
)

// ExpertType defines the category of expert
type ExpertType string

const (
	WorkerExpertType  ExpertType = "worker"
	ReviewExpertType  ExpertType = "reviewer"
	PlannerExpertType ExpertType = "planner"
)

// ExpertStatus represents the availability of an expert
type ExpertStatus string

const (
	ExpertIdle    ExpertStatus = "idle"
	ExpertBusy    ExpertStatus = "busy"
	ExpertOffline ExpertStatus = "offline"
)

// MessagePriority defines message scheduling priority
type MessagePriority int

const (
	NormalPriority   MessagePriority = 0
	HighPriority     MessagePriority = 1
	CriticalPriority MessagePriority = 2
)

// ConsensusMode defines how a vote resolves
type ConsensusMode string

const (
	ConsensusMajority      ConsensusMode = "majority"
	ConsensusSupermajority ConsensusMode = "supermajority"
	ConsensusUnanimous     ConsensusMode = "unanimous"
	ConsensusWeighted      ConsensusMode = "weighted"
)

// VoteStatus represents the lifecycle state of a vote
type VoteStatus string

const (
	VoteOpen              VoteStatus = "open"
	VoteCollecting        VoteStatus = "collecting"
	VoteResolved          VoteStatus = "resolved"
	VoteTimedOut          VoteStatus = "timed-out"
	VoteResolvedOnTimeout VoteStatus = "resolved-on-timeout"
	VoteCancelled         VoteStatus = "cancelled"
)

// Capability represents a named skill with a proficiency level in [0,1]
type Capability struct {
	Name        string  `json:"name" yaml:"name"`
	Proficiency float64 `json:"proficiency" yaml:"proficiency"`
}

// CapabilityRequirement is matched against expert capabilities.
// Required requirements exclude non-matching experts entirely;
// optional ones only affect ranking.
type CapabilityRequirement struct {
	Name           string  `json:"name" yaml:"name"`
	MinProficiency float64 `json:"min_proficiency" yaml:"min_proficiency"`
	Required       bool    `json:"required" yaml:"required"`
}

// ExpertProfile is the registry entry for one registered worker
type ExpertProfile struct {
	ID                 string            `json:"id" yaml:"id"`
	Type               ExpertType        `json:"type" yaml:"type"`
	Capabilities       []Capability      `json:"capabilities" yaml:"capabilities"`
	Status             ExpertStatus      `json:"status" yaml:"status"`
	CurrentTasks       []string          `json:"current_tasks,omitempty" yaml:"-"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Metadata           map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	RegisteredAt       time.Time         `json:"registered_at" yaml:"-"`
}

// Load returns the current load fraction of the expert
func (p *ExpertProfile) Load() float64 {
	if p.MaxConcurrentTasks <= 0 {
		return 1.0
	}
	return float64(len(p.CurrentTasks)) / float64(p.MaxConcurrentTasks)
}

// CanAccept reports whether the expert has spare task capacity
func (p *ExpertProfile) CanAccept() bool {
	return p.Status != ExpertOffline && len(p.CurrentTasks) < p.MaxConcurrentTasks
}

// Capability returns the named capability, if declared
func (p *ExpertProfile) Capability(name string) (Capability, bool) {
	for _, c := range p.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// HasCapability reports whether the expert declares the capability
// at or above the given proficiency
func (p *ExpertProfile) HasCapability(name string, minProficiency float64) bool {
	c, ok := p.Capability(name)
	return ok && c.Proficiency >= minProficiency
}

// PerformanceRecord holds rolling per-expert statistics.
// Counters never decrease.
type PerformanceRecord struct {
	ExpertID          string    `json:"expert_id"`
	TasksAttempted    int64     `json:"tasks_attempted"`
	TasksSucceeded    int64     `json:"tasks_succeeded"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	LastUpdated       time.Time `json:"last_updated"`
}

// SuccessRate returns the fraction of attempted tasks that succeeded
func (r *PerformanceRecord) SuccessRate() float64 {
	if r.TasksAttempted == 0 {
		return 0
	}
	return float64(r.TasksSucceeded) / float64(r.TasksAttempted)
}

// RoutingRequest asks the router to assign a task to one or more experts
type RoutingRequest struct {
	TaskID           string                  `json:"task_id"`
	Description      string                  `json:"description,omitempty"`
	Requirements     []CapabilityRequirement `json:"requirements"`
	Priority         MessagePriority         `json:"priority"`
	PreferredExperts []string                `json:"preferred_experts,omitempty"`
	ExcludedExperts  []string                `json:"excluded_experts,omitempty"`
	MaxExperts       int                     `json:"max_experts,omitempty"`
}

// Subtask is one piece of a decomposed routing request
type Subtask struct {
	ID           string                  `json:"id"`
	ParentTaskID string                  `json:"parent_task_id"`
	ExpertID     string                  `json:"expert_id"`
	Requirements []CapabilityRequirement `json:"requirements"`
}

// RoutingResult is the outcome of a routing request. Fallback is true
// when no expert satisfied all required capabilities and a best-effort
// assignment was made instead.
type RoutingResult struct {
	TaskID     string    `json:"task_id"`
	ExpertIDs  []string  `json:"expert_ids"`
	Subtasks   []Subtask `json:"subtasks,omitempty"`
	Decomposed bool      `json:"decomposed"`
	Fallback   bool      `json:"fallback"`
	RoutedAt   time.Time `json:"routed_at"`
	RoutedInMs float64   `json:"routed_in_ms"`
}

// VoteRequest configures a multi-party vote
type VoteRequest struct {
	ID       string             `json:"id"`
	Question string             `json:"question"`
	Options  []string           `json:"options"`
	Voters   []string           `json:"voters"`
	Mode     ConsensusMode      `json:"mode"`
	Quorum   float64            `json:"quorum,omitempty"`
	Weights  map[string]float64 `json:"weights,omitempty"`
	Timeout  time.Duration      `json:"timeout,omitempty"`
}

// Vote is a single cast ballot
type Vote struct {
	VoterID    string    `json:"voter_id"`
	Option     string    `json:"option"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale,omitempty"`
	CastAt     time.Time `json:"cast_at"`
}

// VoteResult is immutable once the vote is finalized
type VoteResult struct {
	VoteID           string             `json:"vote_id"`
	Status           VoteStatus         `json:"status"`
	ConsensusReached bool               `json:"consensus_reached"`
	Winner           string             `json:"winner,omitempty"`
	Confidence       float64            `json:"confidence"`
	Breakdown        map[string]float64 `json:"breakdown"`
	VotesCast        int                `json:"votes_cast"`
	FinalizedAt      time.Time          `json:"finalized_at"`
}
