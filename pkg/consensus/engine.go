// Package consensus runs multi-party votes to resolution. Each vote is
// a small state machine (open -> collecting -> resolved | timed-out |
// resolved-on-timeout) collecting ballots both through CastVote and
// through vote messages on the bus.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/weave-nn/weave/pkg/bus"
	"github.com/weave-nn/weave/pkg/config"
	"github.com/weave-nn/weave/pkg/logging"
	"github.com/weave-nn/weave/pkg/models"
)

var (
	// ErrVoteNotFound is returned for operations on unknown vote ids
	ErrVoteNotFound = errors.New("vote not found")
	// ErrDuplicateVote is returned when a voter casts twice
	ErrDuplicateVote = errors.New("voter already cast a vote")
	// ErrUnknownVoter is returned for voters outside the configured set
	ErrUnknownVoter = errors.New("voter not in configured voter set")
	// ErrUnknownOption is returned for options outside the configured set
	ErrUnknownOption = errors.New("option not in configured option set")
	// ErrVoteClosed is returned when voting on a finalized vote
	ErrVoteClosed = errors.New("vote already finalized")
	// ErrWaitTimeout is returned when WaitForResult's own timeout elapses
	ErrWaitTimeout = errors.New("timed out waiting for vote result")
)

// Engine manages the lifecycle of votes
type Engine struct {
	cfg    config.ConsensusConfig
	bus    *bus.Bus
	logger logging.Logger

	mu    sync.RWMutex
	votes map[string]*voteState

	total    atomic.Int64
	resolved atomic.Int64
	timedOut atomic.Int64
}

// Stats holds aggregate vote counters
type Stats struct {
	Total    int64 `json:"total"`
	Resolved int64 `json:"resolved"`
	TimedOut int64 `json:"timed_out"`
}

type voteState struct {
	mu        sync.Mutex
	req       models.VoteRequest
	status    models.VoteStatus
	votes     map[string]models.Vote
	voterSet  map[string]struct{}
	optionSet map[string]struct{}
	result    *models.VoteResult
	subID     string
	timer     *time.Timer
	done      chan struct{}
}

// New creates a consensus engine backed by the given bus
func New(cfg config.ConsensusConfig, b *bus.Bus, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		votes:  make(map[string]*voteState),
	}
}

// StartVote validates the request, subscribes on the bus to collect
// ballots, and arms the deadline timer. Returns the vote id.
func (e *Engine) StartVote(req models.VoteRequest) (string, error) {
	if len(req.Voters) == 0 {
		return "", fmt.Errorf("start vote: voter set is empty")
	}
	if len(req.Options) == 0 {
		return "", fmt.Errorf("start vote: option set is empty")
	}
	if req.Quorum < 0 || req.Quorum > 1 {
		return "", fmt.Errorf("start vote: quorum %f out of (0,1]", req.Quorum)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Mode == "" {
		req.Mode = models.ConsensusMajority
	}
	if req.Quorum == 0 {
		req.Quorum = e.cfg.DefaultQuorum
	}
	if req.Timeout <= 0 {
		req.Timeout = e.cfg.DefaultTimeout
	}

	state := &voteState{
		req:       req,
		status:    models.VoteOpen,
		votes:     make(map[string]models.Vote),
		voterSet:  make(map[string]struct{}, len(req.Voters)),
		optionSet: make(map[string]struct{}, len(req.Options)),
		done:      make(chan struct{}),
	}
	for _, v := range req.Voters {
		state.voterSet[v] = struct{}{}
	}
	for _, o := range req.Options {
		state.optionSet[o] = struct{}{}
	}

	e.mu.Lock()
	if _, exists := e.votes[req.ID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("start vote: id %s already active", req.ID)
	}
	e.votes[req.ID] = state
	e.mu.Unlock()

	subID, err := e.bus.Subscribe("consensus-engine", "consensus.votes."+req.ID, e.voteHandler(req.ID))
	if err != nil {
		e.mu.Lock()
		delete(e.votes, req.ID)
		e.mu.Unlock()
		return "", fmt.Errorf("start vote %s: %w", req.ID, err)
	}

	state.mu.Lock()
	state.subID = subID
	state.status = models.VoteCollecting
	state.timer = time.AfterFunc(req.Timeout, func() { e.onDeadline(req.ID) })
	state.mu.Unlock()

	e.total.Add(1)
	e.logger.Info("vote started",
		logging.String("vote_id", req.ID),
		logging.String("mode", string(req.Mode)),
		logging.Int("voters", len(req.Voters)),
		logging.Float64("quorum", req.Quorum),
		logging.Duration("timeout", req.Timeout))
	return req.ID, nil
}

// CastVote records a ballot. Fails with ErrDuplicateVote, ErrUnknownVoter,
// ErrUnknownOption, or ErrVoteClosed on caller misuse.
func (e *Engine) CastVote(voteID, voterID, option string, confidence float64, rationale string) error {
	state, err := e.get(voteID)
	if err != nil {
		return err
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("cast vote %s: confidence %f out of [0,1]", voteID, confidence)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.status != models.VoteCollecting {
		return fmt.Errorf("cast vote %s: %w", voteID, ErrVoteClosed)
	}
	if _, ok := state.voterSet[voterID]; !ok {
		return fmt.Errorf("cast vote %s by %s: %w", voteID, voterID, ErrUnknownVoter)
	}
	if _, dup := state.votes[voterID]; dup {
		return fmt.Errorf("cast vote %s by %s: %w", voteID, voterID, ErrDuplicateVote)
	}
	if _, ok := state.optionSet[option]; !ok {
		return fmt.Errorf("cast vote %s: option %q: %w", voteID, option, ErrUnknownOption)
	}

	state.votes[voterID] = models.Vote{
		VoterID:    voterID,
		Option:     option,
		Confidence: confidence,
		Rationale:  rationale,
		CastAt:     time.Now(),
	}

	e.logger.Debug("vote cast",
		logging.String("vote_id", voteID),
		logging.String("voter_id", voterID),
		logging.String("option", option))

	if winner, ok := evaluate(state); ok {
		e.finalizeLocked(state, models.VoteResolved, winner)
	}
	return nil
}

// WaitForResult parks the caller until the vote resolves, the context
// is cancelled, or the wait timeout elapses.
func (e *Engine) WaitForResult(ctx context.Context, voteID string, timeout time.Duration) (*models.VoteResult, error) {
	state, err := e.get(voteID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	if state.result != nil {
		result := *state.result
		state.mu.Unlock()
		return &result, nil
	}
	done := state.done
	state.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-done:
		state.mu.Lock()
		result := *state.result
		state.mu.Unlock()
		return &result, nil
	case <-timeoutCh:
		return nil, fmt.Errorf("wait for %s: %w", voteID, ErrWaitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelVote finalizes a pending vote as cancelled, releasing its bus
// subscription and deadline timer.
func (e *Engine) CancelVote(voteID string) error {
	state, err := e.get(voteID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.result != nil {
		return fmt.Errorf("cancel vote %s: %w", voteID, ErrVoteClosed)
	}
	e.finalizeLocked(state, models.VoteCancelled, "")
	return nil
}

// Status returns the current lifecycle state of a vote
func (e *Engine) Status(voteID string) (models.VoteStatus, error) {
	state, err := e.get(voteID)
	if err != nil {
		return "", err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.status, nil
}

// Result returns the finalized result, or nil while collecting
func (e *Engine) Result(voteID string) (*models.VoteResult, error) {
	state, err := e.get(voteID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.result == nil {
		return nil, nil
	}
	result := *state.result
	return &result, nil
}

// Stats returns aggregate vote counters
func (e *Engine) Stats() Stats {
	return Stats{
		Total:    e.total.Load(),
		Resolved: e.resolved.Load(),
		TimedOut: e.timedOut.Load(),
	}
}

// Close cancels every pending vote
func (e *Engine) Close() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.votes))
	for id := range e.votes {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		_ = e.CancelVote(id)
	}
}

func (e *Engine) get(voteID string) (*voteState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.votes[voteID]
	if !ok {
		return nil, fmt.Errorf("vote %s: %w", voteID, ErrVoteNotFound)
	}
	return state, nil
}

// voteHandler accepts ballots published on the vote topic. Misuse
// (duplicates, unknown voters) is logged and swallowed so it never
// reaches the retry path.
func (e *Engine) voteHandler(voteID string) bus.Handler {
	return func(ctx context.Context, msg models.Message) error {
		voterID, _ := msg.Payload["voter_id"].(string)
		option, _ := msg.Payload["option"].(string)
		confidence, _ := msg.Payload["confidence"].(float64)
		rationale, _ := msg.Payload["rationale"].(string)

		if voterID == "" || option == "" {
			return nil
		}
		if err := e.CastVote(voteID, voterID, option, confidence, rationale); err != nil {
			e.logger.Debug("bus ballot rejected",
				logging.String("vote_id", voteID),
				logging.String("voter_id", voterID),
				logging.Err(err))
		}
		return nil
	}
}

// onDeadline re-evaluates at the deadline: if the cast votes already
// satisfy quorum and mode the vote resolves on timeout, otherwise it
// times out without consensus.
func (e *Engine) onDeadline(voteID string) {
	state, err := e.get(voteID)
	if err != nil {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.result != nil {
		return
	}
	if winner, ok := evaluate(state); ok {
		e.finalizeLocked(state, models.VoteResolvedOnTimeout, winner)
		return
	}
	e.finalizeLocked(state, models.VoteTimedOut, "")
}

// finalizeLocked builds the immutable result, releases the subscription
// and timer, and wakes waiters. Caller holds state.mu.
func (e *Engine) finalizeLocked(state *voteState, status models.VoteStatus, winner string) {
	state.status = status

	result := &models.VoteResult{
		VoteID:      state.req.ID,
		Status:      status,
		Winner:      winner,
		Breakdown:   breakdown(state),
		VotesCast:   len(state.votes),
		FinalizedAt: time.Now(),
	}
	switch status {
	case models.VoteResolved, models.VoteResolvedOnTimeout:
		result.ConsensusReached = true
		result.Confidence = winnerConfidence(state, winner)
		e.resolved.Add(1)
	case models.VoteTimedOut:
		e.timedOut.Add(1)
	}
	state.result = result

	if state.timer != nil {
		state.timer.Stop()
	}
	if state.subID != "" {
		_ = e.bus.Unsubscribe(state.subID)
	}
	close(state.done)

	e.logger.Info("vote finalized",
		logging.String("vote_id", state.req.ID),
		logging.String("status", string(status)),
		logging.String("winner", winner),
		logging.Int("votes_cast", len(state.votes)))
}

// quorumMet reports whether enough configured voters participated.
// The required count is the rounded quorum fraction of the voter set,
// so a 0.67 quorum over three voters needs two ballots.
func quorumMet(state *voteState) bool {
	required := int(math.Round(state.req.Quorum * float64(len(state.req.Voters))))
	if required < 1 {
		required = 1
	}
	return len(state.votes) >= required
}

// evaluate applies the quorum gate then the configured mode. Returns
// the winning option when the vote can resolve positively.
func evaluate(state *voteState) (string, bool) {
	if !quorumMet(state) {
		return "", false
	}

	cast := len(state.votes)
	counts := make(map[string]int, len(state.req.Options))
	for _, v := range state.votes {
		counts[v.Option]++
	}

	switch state.req.Mode {
	case models.ConsensusMajority:
		for option, n := range counts {
			if float64(n) > float64(cast)/2 {
				return option, true
			}
		}
	case models.ConsensusSupermajority:
		for option, n := range counts {
			if float64(n)/float64(cast) >= 0.67 {
				return option, true
			}
		}
	case models.ConsensusUnanimous:
		if cast != len(state.req.Voters) {
			return "", false
		}
		for option, n := range counts {
			if n == cast {
				return option, true
			}
		}
	case models.ConsensusWeighted:
		totalWeight := 0.0
		for _, voter := range state.req.Voters {
			totalWeight += voterWeight(state.req.Weights, voter)
		}
		optionWeights := make(map[string]float64, len(counts))
		for _, v := range state.votes {
			optionWeights[v.Option] += voterWeight(state.req.Weights, v.VoterID)
		}
		for option, w := range optionWeights {
			if w > totalWeight/2 {
				return option, true
			}
		}
	}
	return "", false
}

// breakdown reports per-option tallies: ballot counts, or summed
// weights in weighted mode.
func breakdown(state *voteState) map[string]float64 {
	out := make(map[string]float64, len(state.req.Options))
	for _, option := range state.req.Options {
		out[option] = 0
	}
	weighted := state.req.Mode == models.ConsensusWeighted
	for _, v := range state.votes {
		if weighted {
			out[v.Option] += voterWeight(state.req.Weights, v.VoterID)
		} else {
			out[v.Option]++
		}
	}
	return out
}

// winnerConfidence is the weight-weighted average confidence of voters
// who chose the winning option.
func winnerConfidence(state *voteState, winner string) float64 {
	totalWeight := 0.0
	weightedSum := 0.0
	for _, v := range state.votes {
		if v.Option != winner {
			continue
		}
		w := voterWeight(state.req.Weights, v.VoterID)
		totalWeight += w
		weightedSum += w * v.Confidence
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

func voterWeight(weights map[string]float64, voter string) float64 {
	if w, ok := weights[voter]; ok {
		return w
	}
	return 1.0
}
