package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/pscheid92/livepoll/internal/domain"
)

// VoteMemo is the device-local record of the option chosen in a poll.
type VoteMemo interface {
	Recall(pollID int64) (int, bool)
	Remember(pollID int64, optionIndex int) error
	Forget() error
}

type CastVoteRequest struct {
	OptionIndex int
	DeviceID    string
	Memo        VoteMemo // optional
}

type VoteReceipt struct {
	PollCreatedAt int64        `json:"pollCreatedAt"`
	OptionIndex   int          `json:"optionIndex"`
	Poll          *domain.Poll `json:"poll"`
}

// VoterView is what a participant's screen needs in one call.
type VoterView struct {
	Poll          *domain.Poll `json:"poll"`
	HasVoted      bool         `json:"hasVoted"`
	VotedOption   *int         `json:"votedOption"`
	CanSeeResults bool         `json:"canSeeResults"`
}

type VoteCoordinator struct {
	store   *PollStore
	metrics *metrics.VoteMetrics
	clock   clockwork.Clock
}

func NewVoteCoordinator(store *PollStore, m *metrics.VoteMetrics, clock clockwork.Clock) *VoteCoordinator {
	return &VoteCoordinator{store: store, metrics: m, clock: clock}
}

// CastVote records one vote for the device. The membership check against the
// snapshot is only a fast path; the transform re-validates everything against
// the state it is committed on top of.
func (v *VoteCoordinator) CastVote(ctx context.Context, req CastVoteRequest) (*VoteReceipt, error) {
	start := v.clock.Now()
	receipt, err := v.castVote(ctx, req)

	if v.metrics != nil {
		v.metrics.CastDuration.Observe(v.clock.Since(start).Seconds())
		v.metrics.VotesCast.WithLabelValues(outcomeOf(err).String()).Inc()
	}
	return receipt, err
}

func (v *VoteCoordinator) castVote(ctx context.Context, req CastVoteRequest) (*VoteReceipt, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", domain.ErrValidation)
	}

	poll, err := v.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if poll == nil || !poll.IsActive {
		return nil, domain.ErrNoActivePoll
	}
	if !poll.ValidOption(req.OptionIndex) {
		return nil, fmt.Errorf("%w: index %d, poll has %d options", domain.ErrInvalidOption, req.OptionIndex, len(poll.Options))
	}
	if v.alreadyVoted(poll, req.DeviceID, req.Memo) {
		return nil, domain.ErrDuplicateVote
	}

	createdAt := poll.CreatedAt
	committed, err := v.store.Mutate(ctx, func(p *domain.Poll) (*domain.Poll, error) {
		if !p.IsActive {
			return nil, domain.ErrNoActivePoll
		}
		if p.CreatedAt != createdAt {
			return nil, fmt.Errorf("%w: poll was replaced", domain.ErrInvalidOption)
		}
		if !p.ValidOption(req.OptionIndex) {
			return nil, domain.ErrInvalidOption
		}
		if _, voted := p.VotedFor(req.DeviceID); voted {
			return nil, domain.ErrDuplicateVote
		}

		p.Options[req.OptionIndex].Votes++
		p.TotalVotes++
		p.Voters[req.DeviceID] = req.OptionIndex
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	if req.Memo != nil {
		if err := req.Memo.Remember(createdAt, req.OptionIndex); err != nil {
			slog.WarnContext(ctx, "Failed to remember vote locally", "error", err)
		}
	}

	return &VoteReceipt{PollCreatedAt: createdAt, OptionIndex: req.OptionIndex, Poll: committed}, nil
}

// alreadyVoted reports a vote remembered by the device for this poll or one
// recorded in voters. A memo left behind by a reset stays in force until
// VoterStatus reconciles it.
func (v *VoteCoordinator) alreadyVoted(poll *domain.Poll, deviceID string, memo VoteMemo) bool {
	if memo != nil {
		if _, remembered := memo.Recall(poll.CreatedAt); remembered {
			return true
		}
	}
	_, inVoters := poll.VotedFor(deviceID)
	return inVoters
}

// VoterStatus reports the poll as seen by one device.
func (v *VoteCoordinator) VoterStatus(ctx context.Context, deviceID string, memo VoteMemo) (VoterView, error) {
	poll, err := v.store.Get(ctx)
	if err != nil {
		return VoterView{}, err
	}
	if poll == nil {
		return VoterView{}, nil
	}

	view := VoterView{Poll: poll.Public()}

	idx, voted := poll.VotedFor(deviceID)
	if deviceID == "" {
		voted = false
	}
	if memo != nil {
		switch _, remembered := memo.Recall(poll.CreatedAt); {
		case voted && !remembered:
			_ = memo.Remember(poll.CreatedAt, idx)
		case !voted && remembered:
			_ = memo.Forget()
		}
	}

	if voted {
		view.HasVoted = true
		view.VotedOption = &idx
		view.CanSeeResults = poll.ShowResults
	}
	return view, nil
}

func outcomeOf(err error) domain.VoteOutcome {
	switch {
	case err == nil:
		return domain.VoteAccepted
	case errors.Is(err, domain.ErrDuplicateVote):
		return domain.VoteDuplicate
	case errors.Is(err, domain.ErrNoActivePoll), errors.Is(err, domain.ErrInvalidOption), errors.Is(err, domain.ErrValidation):
		return domain.VoteRejected
	default:
		return domain.VoteFailed
	}
}
