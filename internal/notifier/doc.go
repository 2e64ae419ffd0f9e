// Package notifier delivers short operator messages about catch-up runs,
// exhausted jobs and budget alerts.
//
// # Pipeline
//
// Notify enqueues; a small worker pool drains the queue through a shared
// token bucket and hands each message to every configured Sink with
// exponential-backoff retries. Identical messages inside DedupWindow are
// suppressed, optionally across restarts through a DedupStore.
//
// # Sinks
//
// LogSink writes through logx. TelegramSink posts to an operator chat with
// telebot.
package notifier
