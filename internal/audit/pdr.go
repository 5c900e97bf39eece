// Package audit provides PDR (Process Decision Record) writing for protopt.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
)

// Actions recorded by the coordinator.
const (
	ActionClaim    = "trial.claim"
	ActionRegister = "trial.register"
	ActionExclude  = "trial.exclude"
	ActionFinish   = "trial.finish"
)

// Outcomes of a recorded decision.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store store.TrialStore
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s store.TrialStore) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for a state-mutating action. A nil writer
// records nothing.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, trialID, details string) (*models.PDREntry, error) {
	if w == nil {
		return nil, nil
	}
	entry := &models.PDREntry{
		Action:     action,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		TrialID:    trialID,
		Details:    details,
	}
	if err := w.store.WritePDR(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
