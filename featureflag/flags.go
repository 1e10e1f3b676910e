package featureflag

type Flag string

const (
	// Sectors that cannot fit in the cache are dropped even when the camera
	// is looking at them.
	FlagDisableForceInsert Flag = "DISABLE_FORCE_INSERT"

	// Failed fetches are never retried.
	FlagDisableRetry Flag = "DISABLE_RETRY"

	// The parent of a sector that cannot be cached is not requested.
	FlagDisableParentFallback Flag = "DISABLE_PARENT_FALLBACK"

	// Sectors leaving the priority volume while pending are kept at their
	// recency instead of being demoted.
	FlagDisableLatecomerDemotion Flag = "DISABLE_LATECOMER_DEMOTION"

	// Camera frames are not acknowledged with the update result.
	FlagDisableUpdateAck Flag = "DISABLE_UPDATE_ACK"
)

var knownFlags = []Flag{
	FlagDisableForceInsert,
	FlagDisableRetry,
	FlagDisableParentFallback,
	FlagDisableLatecomerDemotion,
	FlagDisableUpdateAck,
}
