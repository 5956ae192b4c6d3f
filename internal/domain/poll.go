package domain

import (
	"fmt"
	"strings"
)

const (
	MinOptions = 2
	MaxOptions = 6
)

type Option struct {
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// Poll is the single live poll. Voters maps a device identifier to the option
// index it chose and exists only for duplicate detection.
type Poll struct {
	Question    string         `json:"question"`
	Options     []Option       `json:"options"`
	IsActive    bool           `json:"isActive"`
	ShowResults bool           `json:"showResults"`
	TotalVotes  int            `json:"totalVotes"`
	CreatedAt   int64          `json:"createdAt"`
	Voters      map[string]int `json:"voters,omitempty"`
}

// NewPoll trims the inputs, drops blank options and builds an active poll with
// zeroed tallies.
func NewPoll(question string, optionTexts []string, showResults bool, createdAt int64) (*Poll, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question must not be empty", ErrValidation)
	}

	options := make([]Option, 0, len(optionTexts))
	for _, text := range optionTexts {
		if text = strings.TrimSpace(text); text != "" {
			options = append(options, Option{Text: text})
		}
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return nil, fmt.Errorf("%w: need %d to %d non-empty options, got %d", ErrValidation, MinOptions, MaxOptions, len(options))
	}

	return &Poll{
		Question:    question,
		Options:     options,
		IsActive:    true,
		ShowResults: showResults,
		CreatedAt:   createdAt,
		Voters:      map[string]int{},
	}, nil
}

// Clone returns a deep copy. A nil poll clones to nil.
func (p *Poll) Clone() *Poll {
	if p == nil {
		return nil
	}
	c := *p
	c.Options = append([]Option(nil), p.Options...)
	c.Voters = make(map[string]int, len(p.Voters))
	for k, v := range p.Voters {
		c.Voters[k] = v
	}
	return &c
}

// Public is a copy safe to hand to viewers: voter identities are stripped.
func (p *Poll) Public() *Poll {
	if p == nil {
		return nil
	}
	c := *p
	c.Options = append([]Option(nil), p.Options...)
	c.Voters = nil
	return &c
}

// VotedFor reports the option index recorded for deviceID.
func (p *Poll) VotedFor(deviceID string) (int, bool) {
	if p == nil {
		return 0, false
	}
	idx, ok := p.Voters[deviceID]
	return idx, ok
}

func (p *Poll) ValidOption(index int) bool {
	return index >= 0 && index < len(p.Options)
}

// ResetTallies zeroes every counter and forgets all voters.
func (p *Poll) ResetTallies() {
	for i := range p.Options {
		p.Options[i].Votes = 0
	}
	p.TotalVotes = 0
	p.Voters = map[string]int{}
}

// CheckInvariants verifies the aggregate before it is committed.
func (p *Poll) CheckInvariants() error {
	if strings.TrimSpace(p.Question) == "" {
		return fmt.Errorf("%w: question must not be empty", ErrValidation)
	}
	if n := len(p.Options); n < MinOptions || n > MaxOptions {
		return fmt.Errorf("%w: option count %d outside [%d,%d]", ErrValidation, n, MinOptions, MaxOptions)
	}

	sum := 0
	for i, o := range p.Options {
		if o.Text == "" {
			return fmt.Errorf("%w: option %d has empty text", ErrValidation, i)
		}
		if o.Votes < 0 {
			return fmt.Errorf("%w: option %d has negative votes", ErrValidation, i)
		}
		sum += o.Votes
	}
	if p.TotalVotes != sum {
		return fmt.Errorf("%w: totalVotes %d != sum of option votes %d", ErrValidation, p.TotalVotes, sum)
	}

	for device, idx := range p.Voters {
		if !p.ValidOption(idx) {
			return fmt.Errorf("%w: voter %q points at option %d", ErrValidation, device, idx)
		}
	}
	return nil
}

// PollChange is one committed state of the poll slot. A nil Poll means the
// slot is empty. Version increases strictly with every commit, deletes included.
type PollChange struct {
	Version int64 `json:"version"`
	Poll    *Poll `json:"poll"`
}

func (c PollChange) Absent() bool {
	return c.Poll == nil
}
