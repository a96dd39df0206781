// Package scheduler fires named tasks on cron expressions.
//
// Every run is recorded in a storage.Store. A task with Retry set gets one
// extra attempt after a failure, driven by a single cancellable timer.
package scheduler
