package domain

import "errors"

// Content errors
var (
	ErrContentNotFound   = errors.New("content not found")
	ErrInvalidContentRef = errors.New("invalid content reference")
	ErrEmptyContent      = errors.New("content is empty")
	ErrContentTooLarge   = errors.New("content too large")
)
