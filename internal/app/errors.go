package app

import "errors"

var (
	// ErrPromptRequired indicates an empty prompt after trimming.
	ErrPromptRequired = errors.New("prompt is required")
	// ErrProfileNotFound indicates no credit profile exists for the caller.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrInsufficientCredits indicates an exhausted balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrGenerationFailed indicates a provider error, empty result, or bad payload.
	ErrGenerationFailed = errors.New("image generation failed")
	// ErrStorageFailed indicates the image bytes could not be persisted.
	ErrStorageFailed = errors.New("failed to save image")
	// ErrLedgerWrite indicates the debit/insert/log transaction failed.
	ErrLedgerWrite = errors.New("failed to record generation")

	ErrImageNotFound  = errors.New("image not found")
	ErrImageForbidden = errors.New("image forbidden")
)
