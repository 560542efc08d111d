// Package charge consumes dispatch messages and runs one charge attempt per
// message: claim the order, read the live permission, charge, then record the
// result or apply the retry policy.
package charge
