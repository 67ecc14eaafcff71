package crypto

import "errors"

var (
	ErrNonFiniteFloat  = errors.New("non-finite float values are not allowed")
	ErrNonStringMapKey = errors.New("map keys must be strings")
	ErrUnsupportedType = errors.New("unsupported type for canonicalization")
	ErrKeyCollision    = errors.New("normalized map key collision")
	ErrInvalidNumber   = errors.New("invalid json number")
)
