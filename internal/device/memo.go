package device

import (
	"encoding/json"
	"fmt"
)

// MemoKey is the LocalStore key of the vote memo.
const MemoKey = "votedOption"

type memoRecord struct {
	PollID      int64 `json:"pollId"`
	OptionIndex int   `json:"optionIndex"`
}

// VoteMemo remembers which option this device chose in which poll so a
// returning participant is recognised without asking the store. It is a
// cache; the poll's voter map stays authoritative.
type VoteMemo struct {
	store LocalStore
}

func NewVoteMemo(store LocalStore) *VoteMemo {
	return &VoteMemo{store: store}
}

// Recall returns the remembered option for the poll identified by pollID.
// A record for another poll is discarded.
func (m *VoteMemo) Recall(pollID int64) (int, bool) {
	raw, ok := m.store.Get(MemoKey)
	if !ok {
		return 0, false
	}

	var rec memoRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.PollID != pollID {
		_ = m.store.Delete(MemoKey)
		return 0, false
	}
	return rec.OptionIndex, true
}

func (m *VoteMemo) Remember(pollID int64, optionIndex int) error {
	raw, err := json.Marshal(memoRecord{PollID: pollID, OptionIndex: optionIndex})
	if err != nil {
		return fmt.Errorf("failed to encode vote memo: %w", err)
	}
	if err := m.store.Set(MemoKey, string(raw)); err != nil {
		return fmt.Errorf("failed to persist vote memo: %w", err)
	}
	return nil
}

func (m *VoteMemo) Forget() error {
	return m.store.Delete(MemoKey)
}
