package domain

import "errors"

var (
	ErrTokenNotFound  = errors.New("link token not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrTargetOffline  = errors.New("target offline")
	ErrLinkClosed     = errors.New("node link closed")
	ErrStoreDegraded  = errors.New("presence store unavailable")
)
