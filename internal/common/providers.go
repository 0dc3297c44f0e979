package common

// Remote endpoint constants
const (
	// DefaultAPIBaseURL is the tile API host
	DefaultAPIBaseURL = "https://tile.googleapis.com"

	// EndpointSession, EndpointPanoIDs and EndpointTiles name the API
	// endpoints in logs, metrics and rate-limit state
	EndpointSession = "createSession"
	EndpointPanoIDs = "panoIds"
	EndpointTiles   = "tiles"

	// DefaultSearchRadius is the pano lookup radius in meters
	DefaultSearchRadius = 50
)
