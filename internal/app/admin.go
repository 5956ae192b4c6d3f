package app

import (
	"context"
	"crypto/subtle"
	"math"

	"github.com/pscheid92/livepoll/internal/domain"
)

const summaryLabelRunes = 20

// Palette assigns chart colors by option position.
var Palette = []string{"#FF90E8", "#FFC900", "#00F0FF", "#93c5fd", "#fcd34d", "#fca5a5"}

// AdminController runs the poll lifecycle for the operator.
type AdminController struct {
	store  *PollStore
	secret string
}

func NewAdminController(store *PollStore, secret string) *AdminController {
	return &AdminController{store: store, secret: secret}
}

// Authorize checks the shared operator secret. It is a gate, not authentication.
func (a *AdminController) Authorize(secret string) error {
	if a.secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(a.secret)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

func (a *AdminController) CreatePoll(ctx context.Context, question string, optionTexts []string, showResults bool) (*domain.Poll, error) {
	return a.store.Create(ctx, question, optionTexts, showResults)
}

func (a *AdminController) SetActive(ctx context.Context, active bool) (*domain.Poll, error) {
	return a.store.Mutate(ctx, func(p *domain.Poll) (*domain.Poll, error) {
		if p.IsActive == active {
			return nil, nil
		}
		p.IsActive = active
		return p, nil
	})
}

func (a *AdminController) SetShowResults(ctx context.Context, visible bool) (*domain.Poll, error) {
	return a.store.Mutate(ctx, func(p *domain.Poll) (*domain.Poll, error) {
		if p.ShowResults == visible {
			return nil, nil
		}
		p.ShowResults = visible
		return p, nil
	})
}

// ToggleActive flips isActive against the state it commits on.
func (a *AdminController) ToggleActive(ctx context.Context) (*domain.Poll, error) {
	return a.store.Mutate(ctx, func(p *domain.Poll) (*domain.Poll, error) {
		p.IsActive = !p.IsActive
		return p, nil
	})
}

func (a *AdminController) ToggleShowResults(ctx context.Context) (*domain.Poll, error) {
	return a.store.Mutate(ctx, func(p *domain.Poll) (*domain.Poll, error) {
		p.ShowResults = !p.ShowResults
		return p, nil
	})
}

func (a *AdminController) ResetVotes(ctx context.Context) (*domain.Poll, error) {
	return a.store.Reset(ctx)
}

func (a *AdminController) DeletePoll(ctx context.Context) error {
	return a.store.Delete(ctx)
}

// Results builds the dashboard summary of the current poll.
func (a *AdminController) Results(ctx context.Context) (*domain.Results, error) {
	poll, err := a.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if poll == nil {
		return nil, domain.ErrNoActivePoll
	}
	return Summarize(poll), nil
}

// Summarize computes labels, percentages and colors for a poll.
func Summarize(p *domain.Poll) *domain.Results {
	res := &domain.Results{
		Question:     p.Question,
		IsActive:     p.IsActive,
		ShowResults:  p.ShowResults,
		CreatedAt:    p.CreatedAt,
		TotalVotes:   p.TotalVotes,
		Participants: len(p.Voters),
		Options:      make([]domain.OptionResult, len(p.Options)),
	}

	for i, o := range p.Options {
		res.Options[i] = domain.OptionResult{
			Label:      truncateLabel(o.Text),
			Text:       o.Text,
			Votes:      o.Votes,
			Percentage: percentage(o.Votes, p.TotalVotes),
			Color:      Palette[i%len(Palette)],
		}
	}
	return res
}

func truncateLabel(text string) string {
	runes := []rune(text)
	if len(runes) <= summaryLabelRunes {
		return text
	}
	return string(runes[:summaryLabelRunes]) + "..."
}

func percentage(votes, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(votes)/float64(total)*1000) / 10
}
