package domain

// Instance is one running server process sharing the poll.
type Instance struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	StartedAt int64  `json:"startedAt"`
	LastSeen  int64  `json:"lastSeen"`
}
