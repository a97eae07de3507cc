// Package scheduler is the periodic trigger that drives the delivery
// engine's Tick. It wraps robfig/cron with a skip-if-still-running chain so
// at most one tick runs at a time within a process.
package scheduler
