package internal

import "errors"

var (
	ErrInvalidFormat       = errors.New("invalid parquet format")
	ErrUnsupportedVersion  = errors.New("unsupported parquet version")
	ErrUnsupportedPageType = errors.New("unsupported page type")
	ErrExternalReference   = errors.New("column chunk in external file is not supported")
	ErrNotFound            = errors.New("not found")
)
