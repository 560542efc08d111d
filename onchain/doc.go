// Package onchain holds local implementations of the spend permission
// capability: a scripted sandbox for development and tests, and a timeout
// guard that turns slow provider calls into upstream failures.
package onchain
