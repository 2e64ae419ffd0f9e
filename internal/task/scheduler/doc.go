// Package scheduler registers cron and interval triggers and enqueues their
// jobs into the task engine. It computes trigger times only; retries, limits
// and timeouts belong to internal/task/engine.
package scheduler
