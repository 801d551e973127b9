// Package signals carries downloader lifecycle notifications to observers.
//
// Emitters call Hub.Emit, which never blocks and never fails; events are
// batched on a background goroutine and handed to every Sink. A slow or failing
// sink can lose events but cannot stall or abort a fetch.
package signals
