package piproxy

import "time"

// EndpointName is a logical data resource exposed by the proxy. It is not
// validated against a closed set; unknown names pass through to upstream.
type EndpointName string

const (
	EndpointStatus             EndpointName = "status"
	EndpointNetworkStatus      EndpointName = "network-status"
	EndpointLatestTransactions EndpointName = "latest-transactions"
	EndpointLatestBlocks       EndpointName = "latest-blocks"
)

type CacheEntry struct {
	Payload   []byte // raw upstream JSON, forwarded verbatim
	FetchedAt time.Time
}

// ServedFrom records where a resolved payload came from. Only "live" results
// are ever written to the cache.
type ServedFrom string

const (
	ServedFromCache    ServedFrom = "cache"
	ServedFromLive     ServedFrom = "live"
	ServedFromFallback ServedFrom = "fallback"
)

type Resolved struct {
	Payload    []byte
	ServedFrom ServedFrom
}
