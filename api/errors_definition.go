//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the caller's fault,
// and they return HTTP Status 400, 403, 404, 409 or 410, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX.
// If you notice there's a gap, that code was used in the past for some error (not anymore) and shouldn't be reused.
// There's no correlation between Code and HTTP Status.
var (
	ErrResourceNotFound  = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody     = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrInvalidCredential = Error{Code: 40005, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid credential")}
	ErrMalformedPollID   = Error{Code: 40006, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed poll ID")}
	ErrPollNotFound      = Error{Code: 40007, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("poll not found")}
	ErrInvalidTier       = Error{Code: 40008, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid verification tier")}
	ErrChoiceOutOfRange  = Error{Code: 40009, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("choice outside poll option range")}
	ErrIneligibleUser    = Error{Code: 40010, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("user does not meet the poll eligibility policy")}
	ErrDuplicateRequest  = Error{Code: 40011, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("active credential already issued for this scope")}
	ErrCredentialExpired = Error{Code: 40012, HTTPstatus: http.StatusGone, Err: fmt.Errorf("credential expired")}
	ErrDoubleVote        = Error{Code: 40013, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("credential already spent")}
	ErrBudgetExhausted   = Error{Code: 40014, HTTPstatus: http.StatusTooManyRequests, Err: fmt.Errorf("privacy budget exhausted")}
	ErrNoSealedRoot      = Error{Code: 40015, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("no sealed root for poll")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrSigningKeyUnavailable      = Error{Code: 50003, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("signing key unavailable")}
	ErrLedgerAppendFailed         = Error{Code: 50004, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("ledger append failed")}
	ErrStoreUnavailable           = Error{Code: 50005, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("token store unavailable")}
)
