package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casafin/casafin/internal/domain"
)

// RecordStore is the slice of the ledger store the guard needs. The posting
// services pass in their transaction handle so check and record commit
// atomically with the guarded writes.
type RecordStore interface {
	// LookupRecord returns nil, nil when no record exists for the tuple.
	LookupRecord(ctx context.Context, key string, principalID, householdID uuid.UUID) (*domain.IdempotencyRecord, error)
	// InsertRecord fails with domain.ErrDuplicateSubmission on a
	// unique-constraint collision; it never ignores one silently.
	InsertRecord(ctx context.Context, rec *domain.IdempotencyRecord) error
}

// Replay is the cached outcome of a previously completed request.
type Replay struct {
	Status int
	Body   json.RawMessage
}

// Check resolves an inbound key against the store. It returns nil for a
// fresh request, a Replay for an exact retry, and *domain.KeyConflictError
// when the key was used with a different fingerprint.
func Check(ctx context.Context, s RecordStore, key string, principal domain.Principal, fingerprint string) (*Replay, error) {
	rec, err := s.LookupRecord(ctx, key, principal.UserID, principal.HouseholdID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.RequestHash != fingerprint {
		return nil, &domain.KeyConflictError{Key: key}
	}
	return &Replay{Status: rec.ResponseStatus, Body: rec.ResponseBody}, nil
}

// Record persists the outcome of a guarded operation under its key.
func Record(ctx context.Context, s RecordStore, key string, principal domain.Principal, fingerprint string, status int, body []byte) error {
	return s.InsertRecord(ctx, &domain.IdempotencyRecord{
		Key:            key,
		PrincipalID:    principal.UserID,
		HouseholdID:    principal.HouseholdID,
		RequestHash:    fingerprint,
		ResponseStatus: status,
		ResponseBody:   body,
		CreatedAt:      time.Now().UTC(),
	})
}
