package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weave-nn/weave/pkg/logging"
	"github.com/weave-nn/weave/pkg/metrics"
	"github.com/weave-nn/weave/pkg/models"
)

// WorkflowStep is one stage of a sequential workflow
type WorkflowStep struct {
	Name         string                         `json:"name"`
	ExpertType   models.ExpertType              `json:"expert_type,omitempty"`
	Description  string                         `json:"description"`
	Requirements []models.CapabilityRequirement `json:"requirements"`
	Timeout      time.Duration                  `json:"timeout,omitempty"`
}

// StepResult records the outcome of one workflow step
type StepResult struct {
	Step     WorkflowStep           `json:"step"`
	TaskID   string                 `json:"task_id"`
	ExpertID string                 `json:"expert_id"`
	Success  bool                   `json:"success"`
	Fallback bool                   `json:"fallback"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// WorkflowResult is the overall outcome. Steps completed before a
// failure keep their results so callers can resume or compensate.
type WorkflowResult struct {
	WorkflowID string        `json:"workflow_id"`
	Steps      []StepResult  `json:"steps"`
	Completed  bool          `json:"completed"`
	FailedStep int           `json:"failed_step"` // -1 when completed
	Duration   time.Duration `json:"duration"`
}

const defaultStepTimeout = 2 * time.Minute

// ReviewOptions are the fixed verdicts of a multi-expert review
var ReviewOptions = []string{"approve", "reject"}

// RunSequentialWorkflow routes and awaits each step in order, threading
// the previous step's output into the next step's task description.
// Execution stops at the first failed or timed-out step.
func (c *Coordinator) RunSequentialWorkflow(ctx context.Context, steps []WorkflowStep) (*WorkflowResult, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("sequential workflow: no steps")
	}

	workflowID := uuid.New().String()
	start := time.Now()
	result := &WorkflowResult{
		WorkflowID: workflowID,
		Steps:      make([]StepResult, 0, len(steps)),
		FailedStep: -1,
	}

	log := c.logger.With(logging.String("workflow_id", workflowID))
	log.Info("sequential workflow started", logging.Int("steps", len(steps)))

	var priorOutput map[string]interface{}
	for i, step := range steps {
		description := step.Description
		if priorOutput != nil {
			description = fmt.Sprintf("%s\n\nPrior step output: %v", description, priorOutput)
		}

		stepResult, err := c.runStep(ctx, workflowID, i, step, description)
		if err != nil {
			return nil, err
		}
		result.Steps = append(result.Steps, *stepResult)

		if !stepResult.Success {
			result.FailedStep = i
			result.Duration = time.Since(start)
			log.Warn("workflow stopped at failed step",
				logging.Int("step", i),
				logging.String("error", stepResult.Error))
			return result, nil
		}
		priorOutput = stepResult.Output
	}

	result.Completed = true
	result.Duration = time.Since(start)
	log.Info("sequential workflow completed", logging.Duration("duration", result.Duration))
	return result, nil
}

// runStep routes one step and waits for its completion message
func (c *Coordinator) runStep(ctx context.Context, workflowID string, index int, step WorkflowStep, description string) (*StepResult, error) {
	taskID := fmt.Sprintf("%s.step%d", workflowID, index+1)
	stepStart := time.Now()

	req := models.RoutingRequest{
		TaskID:       taskID,
		Description:  description,
		Requirements: step.Requirements,
		Priority:     models.NormalPriority,
	}
	if step.ExpertType != "" {
		req.ExcludedExperts = c.expertsNotOfType(step.ExpertType)
	}

	// Register interest before routing so the completion message can
	// never race past us.
	completion, cancelWait := c.awaitCompletion(taskID)
	defer cancelWait()

	routing, err := c.RouteTask(req)
	if err != nil {
		return &StepResult{
			Step:     step,
			TaskID:   taskID,
			Success:  false,
			Error:    err.Error(),
			Duration: time.Since(stepStart),
		}, nil
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	expertID := ""
	if len(routing.ExpertIDs) > 0 {
		expertID = routing.ExpertIDs[0]
	}

	select {
	case ev := <-completion:
		result := &StepResult{
			Step:     step,
			TaskID:   taskID,
			ExpertID: ev.expertID,
			Success:  ev.success,
			Fallback: routing.Fallback,
			Output:   ev.result,
			Duration: time.Since(stepStart),
		}
		if !ev.success {
			result.Error = "step reported failure"
		}
		return result, nil
	case <-timer.C:
		return &StepResult{
			Step:     step,
			TaskID:   taskID,
			ExpertID: expertID,
			Success:  false,
			Fallback: routing.Fallback,
			Error:    "step timed out",
			Duration: time.Since(stepStart),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunReview fans one artifact out to the given reviewers for
// independent judgement and resolves their verdicts with a majority
// vote. Reviewers receive a review.request message naming the vote to
// cast their ballot on.
func (c *Coordinator) RunReview(ctx context.Context, artifact string, reviewers []string, timeout time.Duration) (*models.VoteResult, error) {
	if len(reviewers) == 0 {
		return nil, fmt.Errorf("review: no reviewers")
	}
	if timeout <= 0 {
		timeout = c.cfg.Consensus.DefaultTimeout
	}

	voteID, err := c.StartVote(models.VoteRequest{
		Question: "review: " + artifact,
		Options:  ReviewOptions,
		Voters:   reviewers,
		Mode:     models.ConsensusMajority,
		Quorum:   c.cfg.Consensus.DefaultQuorum,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}

	if _, err := c.SendDirect(reviewers, "review.request", map[string]interface{}{
		"vote_id":  voteID,
		"artifact": artifact,
		"options":  ReviewOptions,
	}, models.HighPriority); err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}

	result, err := c.WaitForResult(ctx, voteID, timeout+time.Second)
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}

	mode := string(models.ConsensusMajority)
	c.collector.IncrementCounter(metrics.VotesFinalized.Name, map[string]string{"mode": mode, "status": string(result.Status)})
	return result, nil
}

// expertsNotOfType lists registered experts whose type differs,
// used to pin a workflow step to one expert type.
func (c *Coordinator) expertsNotOfType(t models.ExpertType) []string {
	var out []string
	for _, p := range c.registry.List() {
		if p.Type != t {
			out = append(out, p.ID)
		}
	}
	return out
}
