// Package jobs schedules the periodic saga tasks: the outbox publisher and the
// timeout watcher.
//
// Each job runs on an "@every" cron schedule. Ticks of one job never overlap each
// other, whether scheduled or started with RunNow; different jobs may run at the
// same time. Panics inside a tick are recovered and logged.
package jobs
