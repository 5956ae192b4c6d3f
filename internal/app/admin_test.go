package app

import (
	"context"
	"strings"
	"testing"

	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmin_Authorize(t *testing.T) {
	a := NewAdminController(nil, "correct-horse")

	assert.NoError(t, a.Authorize("correct-horse"))
	assert.ErrorIs(t, a.Authorize("wrong"), domain.ErrUnauthorized)
	assert.ErrorIs(t, a.Authorize(""), domain.ErrUnauthorized)

	open := NewAdminController(nil, "")
	assert.ErrorIs(t, open.Authorize(""), domain.ErrUnauthorized, "an unset secret never authorizes")
}

func TestAdmin_CreatePollValidation(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.admin.CreatePoll(context.Background(), "  ", []string{"A", "B"}, true)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAdmin_SetActiveAndVisibility(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.create(t)

	p, err := f.admin.SetActive(ctx, false)
	require.NoError(t, err)
	assert.False(t, p.IsActive)

	p, err = f.admin.SetShowResults(ctx, false)
	require.NoError(t, err)
	assert.False(t, p.ShowResults)

	before, _ := f.repo.Load(ctx)
	p, err = f.admin.SetActive(ctx, false)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	after, _ := f.repo.Load(ctx)
	assert.Equal(t, before.Version, after.Version, "setting the current value commits nothing")
}

func TestAdmin_Toggles(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.create(t)

	p, err := f.admin.ToggleActive(ctx)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	p, err = f.admin.ToggleActive(ctx)
	require.NoError(t, err)
	assert.True(t, p.IsActive)

	p, err = f.admin.ToggleShowResults(ctx)
	require.NoError(t, err)
	assert.False(t, p.ShowResults)
}

func TestAdmin_LifecycleWithoutPoll(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.admin.SetActive(ctx, true)
	assert.ErrorIs(t, err, domain.ErrNoActivePoll)
	_, err = f.admin.SetShowResults(ctx, true)
	assert.ErrorIs(t, err, domain.ErrNoActivePoll)
	_, err = f.admin.ToggleActive(ctx)
	assert.ErrorIs(t, err, domain.ErrNoActivePoll)
	_, err = f.admin.ResetVotes(ctx)
	assert.ErrorIs(t, err, domain.ErrNoActivePoll)
	_, err = f.admin.Results(ctx)
	assert.ErrorIs(t, err, domain.ErrNoActivePoll)
	assert.NoError(t, f.admin.DeletePoll(ctx))
}

func TestAdmin_DeactivateThenVoteLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.create(t)
	_, err := f.admin.SetActive(ctx, false)
	require.NoError(t, err)
	before, _ := f.store.Get(ctx)

	_, err = f.votes.CastVote(ctx, CastVoteRequest{OptionIndex: 0, DeviceID: "dev1"})
	require.ErrorIs(t, err, domain.ErrNoActivePoll)

	after, _ := f.store.Get(ctx)
	assert.Equal(t, before, after)
}

func TestAdmin_ResetScenario(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	created := f.create(t)
	_, err := f.votes.CastVote(ctx, CastVoteRequest{OptionIndex: 0, DeviceID: "dev1"})
	require.NoError(t, err)

	_, err = f.admin.ResetVotes(ctx)
	require.NoError(t, err)

	got, _ := f.store.Get(ctx)
	assert.Zero(t, got.TotalVotes)
	for _, o := range got.Options {
		assert.Zero(t, o.Votes)
	}
	assert.Empty(t, got.Voters)
	assert.Equal(t, created.Question, got.Question)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
	assert.Equal(t, []string{"A", "B"}, []string{got.Options[0].Text, got.Options[1].Text})
}

func TestAdmin_Results(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	long := strings.Repeat("가", 25)
	_, err := f.admin.CreatePoll(ctx, "Q", []string{long, "B", "C"}, true)
	require.NoError(t, err)

	for i, dev := range []string{"d1", "d2", "d3"} {
		_, err := f.votes.CastVote(ctx, CastVoteRequest{OptionIndex: i % 2, DeviceID: dev})
		require.NoError(t, err)
	}

	res, err := f.admin.Results(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalVotes)
	assert.Equal(t, 3, res.Participants)
	require.Len(t, res.Options, 3)

	assert.Equal(t, strings.Repeat("가", 20)+"...", res.Options[0].Label)
	assert.Equal(t, long, res.Options[0].Text)
	assert.InDelta(t, 66.7, res.Options[0].Percentage, 1e-9)
	assert.InDelta(t, 33.3, res.Options[1].Percentage, 1e-9)
	assert.InDelta(t, 0, res.Options[2].Percentage, 1e-9)
	assert.Equal(t, []string{"#FF90E8", "#FFC900", "#00F0FF"}, []string{res.Options[0].Color, res.Options[1].Color, res.Options[2].Color})
}

func TestSummarize_NoVotes(t *testing.T) {
	p, _ := domain.NewPoll("Q", []string{"exactly twenty chars", "B"}, false, 1)

	res := Summarize(p)
	assert.Equal(t, "exactly twenty chars", res.Options[0].Label)
	assert.Zero(t, res.Options[0].Percentage)
	assert.Zero(t, res.Participants)
}
