// Package broadcast fans committed poll changes out to viewers using the
// actor pattern.
//
// One goroutine owns all viewer state and is driven by a command channel.
// Each viewer has its own writer goroutine behind a small queue, so a slow
// viewer never delays the others or the poll store. A viewer whose queue
// overflows is evicted instead of silently missing a change: every attached
// viewer observes a gap-free, ordered sequence until it is detached.
package broadcast
