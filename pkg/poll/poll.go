// Package poll implements numbered multi-option polls with per-poll locking.
package poll

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxOptions bounds the option list of a single poll
const MaxOptions = 16

var (
	ErrPollNotFound   = errors.New("poll not found")
	ErrInvalidOption  = errors.New("option index out of range")
	ErrEmptyTitle     = errors.New("poll title cannot be empty")
	ErrTooFewOptions  = errors.New("a poll needs at least two options")
	ErrTooManyOptions = errors.New("too many poll options")
	ErrEmptyOption    = errors.New("poll options cannot be empty")
)

// Option is one option label with its tally
type Option struct {
	Label string
	Votes uint64
}

// Snapshot is an immutable copy of a poll's state
type Snapshot struct {
	ID        uint64
	Title     string
	Creator   string
	CreatedAt time.Time
	Options   []Option
}

type poll struct {
	mu        sync.Mutex
	id        uint64
	title     string
	creator   string
	createdAt time.Time
	labels    []string
	votes     []uint64
}

func (p *poll) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	opts := make([]Option, len(p.labels))
	for i, label := range p.labels {
		opts[i] = Option{Label: label, Votes: p.votes[i]}
	}
	return Snapshot{
		ID:        p.id,
		Title:     p.title,
		Creator:   p.creator,
		CreatedAt: p.createdAt,
		Options:   opts,
	}
}

// Service holds every poll. The map lock only guards lookup and creation;
// tallies change under each poll's own lock.
type Service struct {
	mu     sync.RWMutex
	polls  map[uint64]*poll
	nextID uint64
}

// NewService creates an empty poll service; the first poll gets id 1
func NewService() *Service {
	return &Service{
		polls:  make(map[uint64]*poll),
		nextID: 1,
	}
}

// Create validates and registers a new poll with zeroed tallies
func (s *Service) Create(creator, title string, options []string) (Snapshot, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Snapshot{}, ErrEmptyTitle
	}
	if len(options) < 2 {
		return Snapshot{}, ErrTooFewOptions
	}
	if len(options) > MaxOptions {
		return Snapshot{}, ErrTooManyOptions
	}

	labels := make([]string, len(options))
	for i, opt := range options {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			return Snapshot{}, ErrEmptyOption
		}
		labels[i] = opt
	}

	s.mu.Lock()
	p := &poll{
		id:        s.nextID,
		title:     title,
		creator:   creator,
		createdAt: time.Now(),
		labels:    labels,
		votes:     make([]uint64, len(labels)),
	}
	s.polls[p.id] = p
	s.nextID++
	s.mu.Unlock()

	return p.snapshot(), nil
}

// Vote increments one option of a poll and returns the updated state
func (s *Service) Vote(pollID uint64, option int) (Snapshot, error) {
	s.mu.RLock()
	p, ok := s.polls[pollID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrPollNotFound
	}

	p.mu.Lock()
	if option < 0 || option >= len(p.votes) {
		p.mu.Unlock()
		return Snapshot{}, ErrInvalidOption
	}
	p.votes[option]++
	p.mu.Unlock()

	return p.snapshot(), nil
}

// Get returns one poll's current state
func (s *Service) Get(pollID uint64) (Snapshot, error) {
	s.mu.RLock()
	p, ok := s.polls[pollID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrPollNotFound
	}
	return p.snapshot(), nil
}

// List returns every poll ordered by id
func (s *Service) List() []Snapshot {
	s.mu.RLock()
	polls := make([]*poll, 0, len(s.polls))
	for _, p := range s.polls {
		polls = append(polls, p)
	}
	s.mu.RUnlock()

	sort.Slice(polls, func(i, j int) bool { return polls[i].id < polls[j].id })

	out := make([]Snapshot, len(polls))
	for i, p := range polls {
		out[i] = p.snapshot()
	}
	return out
}
