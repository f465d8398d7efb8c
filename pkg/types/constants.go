package types

import "time"

const (
	// MaxPayloadBytes is the default byte ceiling for tool arguments.
	MaxPayloadBytes = 10 << 20
	// MaxNestingDepth is the default cap on nested arrays/objects.
	MaxNestingDepth = 100
	// GuardTimeout bounds a single ingress check.
	GuardTimeout = 2 * time.Second

	// DefaultScope is used when a caller does not name a tracking scope.
	DefaultScope = "default"

	// DefaultHistoryLimit is the page size used when none is requested.
	DefaultHistoryLimit = 10
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 100
)
