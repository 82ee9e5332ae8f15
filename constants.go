package evloop

import "github.com/behrlich/go-evloop/internal/constants"

// Re-export constants for public API
const (
	BacklogSize           = constants.BacklogSize
	TaskDispatchThreshold = constants.TaskDispatchThreshold
	DefaultWaitTimeoutMs  = constants.DefaultWaitTimeoutMs
	DefaultListenBacklog  = constants.DefaultListenBacklog
	MaxIdent              = constants.MaxIdent
)
