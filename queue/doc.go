// Package queue defines the at-least-once message contract shared by the
// dispatch and webhook pipelines, plus an in-memory backend and a batch
// worker. Durable backends live in store/sql and queue/redisqueue.
package queue
