package model

import "errors"

var (
	ErrConfiguration   = errors.New("configuration error")
	ErrResponseMissing = errors.New("response metadata missing")
	ErrTransport       = errors.New("transport error")
	ErrParse           = errors.New("parse error")
	ErrCatalogRefresh  = errors.New("catalog refresh failed")
	ErrRateMismatch    = errors.New("sample rate mismatch")
)
