// Package notifier turns scheduler lifecycle events into short operator
// messages and delivers them asynchronously.
//
// Delivery goes through a bounded queue that drops the oldest message on
// overflow, a token-bucket rate limiter, a dedup window and retries with
// backoff. The Telegram sink sends through telebot; LogSender is the
// fallback when no bot token is configured.
package notifier
