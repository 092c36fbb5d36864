package poll

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndVote(t *testing.T) {
	s := NewService()

	p, err := s.Create("alice", "Color?", []string{"Red", "Blue"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ID)
	assert.Equal(t, "Color?", p.Title)
	require.Len(t, p.Options, 2)
	assert.Equal(t, uint64(0), p.Options[0].Votes)

	p, err = s.Vote(p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.Options[0].Votes)
	assert.Equal(t, uint64(1), p.Options[1].Votes)
}

func TestCreateValidation(t *testing.T) {
	s := NewService()

	tests := []struct {
		name    string
		title   string
		options []string
		want    error
	}{
		{"empty title", "  ", []string{"a", "b"}, ErrEmptyTitle},
		{"one option", "q", []string{"a"}, ErrTooFewOptions},
		{"empty option", "q", []string{"a", " "}, ErrEmptyOption},
		{"too many", "q", make([]string, MaxOptions+1), ErrTooManyOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create("x", tt.title, tt.options)
			assert.Equal(t, tt.want, err)
		})
	}

	assert.Empty(t, s.List())
}

func TestVoteErrors(t *testing.T) {
	s := NewService()
	p, err := s.Create("x", "q", []string{"a", "b"})
	require.NoError(t, err)

	_, err = s.Vote(99, 0)
	assert.Equal(t, ErrPollNotFound, err)

	_, err = s.Vote(p.ID, 2)
	assert.Equal(t, ErrInvalidOption, err)

	_, err = s.Vote(p.ID, -1)
	assert.Equal(t, ErrInvalidOption, err)

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Options[0].Votes+got.Options[1].Votes)
}

func TestListOrderedByID(t *testing.T) {
	s := NewService()
	for i := 0; i < 5; i++ {
		_, err := s.Create("x", "q", []string{"a", "b"})
		require.NoError(t, err)
	}

	polls := s.List()
	require.Len(t, polls, 5)
	for i, p := range polls {
		assert.Equal(t, uint64(i+1), p.ID)
	}
}

func TestConcurrentVotes(t *testing.T) {
	s := NewService()
	p, err := s.Create("x", "q", []string{"a", "b", "c"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Vote(p.ID, i%3)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	for _, opt := range got.Options {
		assert.Equal(t, uint64(100), opt.Votes)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewService()
	p, err := s.Create("x", "q", []string{"a", "b"})
	require.NoError(t, err)

	p.Options[0].Votes = 42
	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Options[0].Votes)
}
