// Package domain defines the poll aggregate, its invariants and the contracts
// the application layer depends on. Adapters implement the interfaces here;
// nothing in this package talks to infrastructure.
package domain
