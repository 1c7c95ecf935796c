package credit

import "errors"

var (
	// ErrAccountNotFound is returned when no account exists for the user
	ErrAccountNotFound = errors.New("account not found")

	// ErrUnknownFeature is returned when a feature has no price
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrInsufficientBalance is returned when the balance is below the cost
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrencyConflict means the account changed between read and a conditional write
	ErrConcurrencyConflict = errors.New("concurrent account update")

	// ErrDuplicateExternalReference is raised by the ledger when the
	// (type, external reference) pair already exists
	ErrDuplicateExternalReference = errors.New("duplicate external reference")

	// ErrReferenceConflict is returned when a reference is replayed with a different payload
	ErrReferenceConflict = errors.New("external reference already used with different payload")

	ErrStorageUnavailable = errors.New("ledger storage unavailable")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	ErrInvalidType = errors.New("invalid transaction type")

	// ErrDuplicateReferralCode is returned when a generated referral code collides
	ErrDuplicateReferralCode = errors.New("referral code already taken")

	ErrReferralAlreadyUsed = errors.New("referral already applied")
	ErrSelfReferral        = errors.New("user cannot refer themselves")
	// ErrReferralPartial means the referral was marked but a payout failed
	ErrReferralPartial = errors.New("referral payout incomplete")
)
