package ledger

import "errors"

var (
	// ErrInvalidTransaction is returned when a history update lacks a blockchain ID.
	ErrInvalidTransaction = errors.New("invalid transaction data for update")

	// ErrStoreUnavailable wraps every persistence failure surfaced by the Ledger.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrTransactionNotFound is returned when no transaction matches a blockchain ID.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrBlockNotFound is returned by a Store when no block has the requested index.
	ErrBlockNotFound = errors.New("block not found")

	// ErrChainBroken is returned by Verify when a hash link or digest is inconsistent.
	ErrChainBroken = errors.New("hash chain broken")
)
