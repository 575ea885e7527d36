package domain

import "errors"

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrNotFound      = errors.New("not found")

	ErrKeyNotFound = errors.New("key not found")
	ErrCrypto      = errors.New("crypto error")
	ErrTransport   = errors.New("transport error")
	ErrArchive     = errors.New("archive error")
	ErrStorage     = errors.New("storage error")
)
