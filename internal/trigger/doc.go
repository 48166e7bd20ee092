// Package trigger fires named jobs on cron or interval schedules.
//
// It is trigger and executor in one: each firing runs the job inline on the
// cron goroutine with an optional timeout. A job that is still running when
// its next firing comes due is skipped, never queued.
package trigger
