package tdbcli

import "errors"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDBPathEmpty        = errors.New("db-path cannot be empty")
	ErrKeyRequired        = errors.New("key is required")
	ErrValueRequired      = errors.New("value is required")
)
