// Package scheduler turns cron and interval schedules into tasks on the task
// engine. It only triggers; retries, timeouts and overlap gating belong to
// the engine.
package scheduler
