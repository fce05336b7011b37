package collector

import "errors"

var (
	ErrHostNotFound    = errors.New("host not found")
	ErrHostDisabled    = errors.New("host is disabled")
	ErrMountNotAllowed = errors.New("mount is not in the host's scan list")
	ErrInvalidMount    = errors.New("invalid mount point")
)
