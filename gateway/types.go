package gateway

import "github.com/hazyhaar/egress/gateway/internal/feed"

// Canonical feed types, re-exported for callers outside this module tree.
type (
	Canonical = feed.Canonical
	Feed      = feed.Feed
	Entry     = feed.Entry
	Enclosure = feed.Enclosure
)
