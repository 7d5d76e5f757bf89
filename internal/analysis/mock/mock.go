// Package mock provides an in-memory mock of [analysis.Service] for unit
// tests.
//
// The mock replays scripted poll responses in order; once the script is
// exhausted it keeps answering [analysis.StatusProcessing].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocalcheck/internal/analysis"
)

// PollResponse is one scripted PollStatus answer.
type PollResponse struct {
	Result analysis.Result
	Err    error
}

// Service is a mock implementation of [analysis.Service].
type Service struct {
	mu sync.Mutex

	// SubmitErrors are returned by successive Submit calls; nil entries and
	// calls past the end succeed.
	SubmitErrors []error

	// Polls are returned by successive PollStatus calls.
	Polls []PollResponse

	submits []analysis.Submission
	polls   int
}

// Submit implements [analysis.Service].
func (s *Service) Submit(_ context.Context, sub analysis.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.submits)
	s.submits = append(s.submits, sub)
	if i < len(s.SubmitErrors) {
		return s.SubmitErrors[i]
	}
	return nil
}

// PollStatus implements [analysis.Service].
func (s *Service) PollStatus(_ context.Context, _ string) (analysis.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.polls
	s.polls++
	if i < len(s.Polls) {
		return s.Polls[i].Result, s.Polls[i].Err
	}
	return analysis.Result{Status: analysis.StatusProcessing}, nil
}

// AddPolls appends scripted poll responses.
func (s *Service) AddPolls(rs ...PollResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Polls = append(s.Polls, rs...)
}

// Submits returns a copy of every submission received.
func (s *Service) Submits() []analysis.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]analysis.Submission(nil), s.submits...)
}

// PollCount returns how many times PollStatus was called.
func (s *Service) PollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}
