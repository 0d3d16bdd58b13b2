package rm

import "errors"

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrNodeSourceExists  = errors.New("node source already exists")
	ErrUnknownNodeSource = errors.New("unknown node source")
	ErrUnknownNode       = errors.New("unknown node")
	ErrNotOwner          = errors.New("node is not owned by the client")
	ErrUnknownClient     = errors.New("unknown client")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidDefinition = errors.New("invalid node source definition")
	ErrInvalidCriteria   = errors.New("invalid criteria")
	ErrTooManyNodes      = errors.New("maximum number of nodes reached")
	ErrShuttingDown      = errors.New("resource manager is shutting down")
)
