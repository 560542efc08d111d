// Package core contains the billing domain types, collaborator contracts and
// the subscription service. Stores, queues and workers depend on this package;
// core never imports them.
package core
