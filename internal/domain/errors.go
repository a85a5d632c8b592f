package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrMalformedPayload  = errors.New("malformed webhook payload")
	ErrNotCorrelatable   = errors.New("payment not yet correlatable to a merchant order")
	ErrRemoteUnavailable = errors.New("payment provider unavailable")
	ErrResourceForbidden = errors.New("resource url not on provider host")
	ErrContextMissing    = errors.New("order context missing")
	ErrAlreadyNotified   = errors.New("order already notified")
	ErrClaimLost         = errors.New("notification claim lost")
	ErrDispatchFailed    = errors.New("notification dispatch failed")
)
