// Package notifier sends operator alerts to the bot owners over Telegram.
//
// Alerts are small, high-signal messages such as "a batch could not be
// mailed". They go through a bounded queue drained by one worker, paced by a
// token bucket and retried with backoff. Identical alerts inside the dedup
// window are sent once.
//
// The service subscribes to the event bus and turns batch.flush_failed
// events into alerts, so the batch engine never depends on Telegram.
package notifier
