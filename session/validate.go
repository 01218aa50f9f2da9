package session

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// proposalValidator evaluates the declarative shape rules on Proposal once
// per candidate. Struct-tag rules cover required presence; the field-level
// checks below cover the nested identity shape that merge semantics depend
// on.
var proposalValidator = validator.New(validator.WithRequiredStructEnabled())

// validateProposal rejects malformed proposals rather than silently
// coercing them. A rejected proposal must leave existing state untouched;
// callers check the error before mutating anything.
func validateProposal(p Proposal) error {
	if err := proposalValidator.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return ValidationError{Field: fieldErrs[0].Namespace(), Reason: "is required"}
		}
		return ErrInvalidProposal
	}

	if p.User.ID == "" {
		return ValidationError{Field: "user.id", Reason: "must be non-empty"}
	}
	if p.User.Name == "" {
		return ValidationError{Field: "user.name", Reason: "must be non-empty"}
	}
	if p.User.Email == "" {
		return ValidationError{Field: "user.email", Reason: "must be non-empty"}
	}
	if p.Account.ID == "" {
		return ValidationError{Field: "account.id", Reason: "must be non-empty"}
	}
	if p.Account.Name == "" {
		return ValidationError{Field: "account.name", Reason: "must be non-empty"}
	}
	if p.Acting != nil && p.Acting.ID == "" {
		return ValidationError{Field: "acting.id", Reason: "must be non-empty"}
	}
	return nil
}
