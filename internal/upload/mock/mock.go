// Package mock provides an in-memory mock of [upload.Storage] for unit tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/vocalcheck/internal/upload"
	"github.com/MrWong99/vocalcheck/pkg/audio"
)

// Transfer is one recorded call to Transfer.
type Transfer struct {
	PutURL string
	Blob   audio.Blob
}

// Storage is a mock implementation of [upload.Storage]. Targets are derived
// from the request: PutURL "put://{session}/{file}" and ObjectKey
// "uploads/{session}/{file}".
type Storage struct {
	mu sync.Mutex

	// TargetErrors and TransferErrors are returned by successive calls to the
	// matching method; nil entries and calls past the end succeed.
	TargetErrors   []error
	TransferErrors []error

	targets   []upload.TargetRequest
	transfers []Transfer
}

// RequestUploadTarget implements [upload.Storage].
func (s *Storage) RequestUploadTarget(_ context.Context, req upload.TargetRequest) (upload.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.targets)
	s.targets = append(s.targets, req)
	if i < len(s.TargetErrors) && s.TargetErrors[i] != nil {
		return upload.Target{}, s.TargetErrors[i]
	}
	return upload.Target{
		PutURL:    fmt.Sprintf("put://%s/%s", req.SessionID, req.FileName),
		ObjectKey: fmt.Sprintf("uploads/%s/%s", req.SessionID, req.FileName),
	}, nil
}

// Transfer implements [upload.Storage].
func (s *Storage) Transfer(_ context.Context, putURL string, blob audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.transfers)
	s.transfers = append(s.transfers, Transfer{PutURL: putURL, Blob: blob})
	if i < len(s.TransferErrors) {
		return s.TransferErrors[i]
	}
	return nil
}

// TargetRequests returns a copy of every target request received.
func (s *Storage) TargetRequests() []upload.TargetRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]upload.TargetRequest(nil), s.targets...)
}

// Transfers returns a copy of every transfer received.
func (s *Storage) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.transfers...)
}
