package bptree

import "errors"

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrNilKey      = errors.New("key cannot be nil")
	ErrNilValue    = errors.New("value cannot be nil")
	ErrCorruption  = errors.New("data corruption detected")

	ErrPageHeader  = errors.New("unrecognized page kind")
	ErrKeyForm     = errors.New("unrecognized key form tag")
	ErrPartialPage = errors.New("page was loaded without keys and values")

	ErrStoreClosed    = errors.New("store is closed")
	ErrRecordNotFound = errors.New("record not found")
	ErrChecksum       = errors.New("record checksum mismatch")
	ErrRecidExists    = errors.New("record id already in use")
)
