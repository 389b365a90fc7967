package domain

import "errors"

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrBadRequest     = errors.New("bad_request")
	ErrAlreadySettled = errors.New("already_settled")

	ErrSettlementConflict = errors.New("settlement_conflict")
)
