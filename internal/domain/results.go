package domain

// Results is the operator dashboard view of the poll.
type Results struct {
	Question     string         `json:"question"`
	IsActive     bool           `json:"isActive"`
	ShowResults  bool           `json:"showResults"`
	CreatedAt    int64          `json:"createdAt"`
	TotalVotes   int            `json:"totalVotes"`
	Participants int            `json:"participants"`
	Options      []OptionResult `json:"options"`
}

type OptionResult struct {
	Label      string  `json:"label"`
	Text       string  `json:"text"`
	Votes      int     `json:"votes"`
	Percentage float64 `json:"percentage"`
	Color      string  `json:"color"`
}

// VoteOutcome labels a cast attempt for metrics and logs.
type VoteOutcome int

const (
	VoteAccepted VoteOutcome = iota
	VoteDuplicate
	VoteRejected
	VoteFailed
)

func (o VoteOutcome) String() string {
	switch o {
	case VoteAccepted:
		return "accepted"
	case VoteDuplicate:
		return "duplicate"
	case VoteRejected:
		return "rejected"
	case VoteFailed:
		return "failed"
	default:
		return "unknown"
	}
}
