package httpapi

import (
	"strconv"
	"time"
)

// cursorEpoch anchors the time-interval cursor used to stagger long-poll
// and SSE responses so a CDN in front of the service doesn't collapse
// distinct long-poll requests into one cached response.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const cursorIntervalSeconds = 20

const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// generateCursor returns the current time-interval number since cursorEpoch.
func generateCursor() string {
	epochMs := cursorEpoch.UnixMilli()
	nowMs := time.Now().UnixMilli()
	intervalMs := int64(cursorIntervalSeconds * 1000)
	return strconv.FormatInt((nowMs-epochMs)/intervalMs, 10)
}

// generateResponseCursor advances clientCursor monotonically: behind the
// current interval, it snaps forward; at or ahead of it, a fixed jitter
// nudges it further ahead so repeated long-polls from the same client
// don't collide on one cursor value.
func generateResponseCursor(clientCursor string) string {
	current := generateCursor()
	currentInterval, _ := strconv.ParseInt(current, 10, 64)

	if clientCursor == "" {
		return current
	}
	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < currentInterval {
		return current
	}

	jitterSeconds := minJitterSeconds + (maxJitterSeconds-minJitterSeconds)/2
	jitterIntervals := int64(1)
	if jitterSeconds/cursorIntervalSeconds > 1 {
		jitterIntervals = int64(jitterSeconds / cursorIntervalSeconds)
	}
	return strconv.FormatInt(clientInterval+jitterIntervals, 10)
}
