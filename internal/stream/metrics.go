package stream

import "sync/atomic"

// Global counters for simple health metrics.
// Intended to observe backpressure (e.g., dropped samples) and source churn.
var (
    samplesIn     atomic.Uint64 // encoded samples read from transcoded origins
    packetsIn     atomic.Uint64 // RTP packets read from relayed origins
    itemsDropped  atomic.Uint64 // per-watcher drops on a full queue
    sourcesOpened atomic.Uint64 // successful origin opens
    openFailures  atomic.Uint64 // failed origin opens
    sourcesActive atomic.Int64  // sources opened and not yet ended/closed
)

// ResetCounters resets all metrics to zero.
func ResetCounters() {
    samplesIn.Store(0)
    packetsIn.Store(0)
    itemsDropped.Store(0)
    sourcesOpened.Store(0)
    openFailures.Store(0)
    sourcesActive.Store(0)
}

// GetCounters returns a snapshot of current metrics.
func GetCounters() map[string]uint64 {
    active := sourcesActive.Load()
    if active < 0 { active = 0 }
    return map[string]uint64{
        "samples_in":     samplesIn.Load(),
        "packets_in":     packetsIn.Load(),
        "items_dropped":  itemsDropped.Load(),
        "sources_opened": sourcesOpened.Load(),
        "open_failures":  openFailures.Load(),
        "sources_active": uint64(active),
    }
}

func incSamplesIn()    { samplesIn.Add(1) }
func incPacketsIn()    { packetsIn.Add(1) }
func incOpenFailures() { openFailures.Add(1) }
func incSourcesOpened() { sourcesOpened.Add(1) }
func registerSource()   { sourcesActive.Add(1) }
func unregisterSource() { sourcesActive.Add(-1) }
func incDropped(n int) {
    if n > 0 { itemsDropped.Add(uint64(n)) }
}
