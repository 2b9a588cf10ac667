// Package scheduler triggers in-process background work (the job tick,
// keep-alive pings, conversation sweeps) on cron or interval schedules.
//
// It runs each trigger on its own goroutine with an optional timeout,
// overlap policy and first-run delay. It does not persist anything.
package scheduler
