package engine

import (
	"database/sql"

	"grantline/internal/config"
	"grantline/internal/signing"
)

// Services bundles the four services over one database and signer registry.
type Services struct {
	Tokens        TokenService
	Confirmations ConfirmationService
	Receipts      ReceiptService
	Verify        VerifyService
}

func NewServices(db *sql.DB, cfg *config.Config, signers *signing.Registry) Services {
	tokens := NewTokenService(db, cfg, signers)
	confirmations := NewConfirmationService(db, cfg, signers, tokens)
	receipts := NewReceiptService(db, cfg, signers, tokens, confirmations)
	verify := NewVerifyService(db, cfg, signers, tokens, receipts)
	return Services{
		Tokens:        tokens,
		Confirmations: confirmations,
		Receipts:      receipts,
		Verify:        verify,
	}
}
