/*
Package capacity keeps the registry's picture of storage element fill
levels fresh.

One monitor instance at a time holds a TTL lease in the registry and polls
every registered element for its capacity document. Results are written as
expiring records plus per-mode sorted indices the selector reads. The poll
cadence adapts to pressure: 60s while every element sits under 70% full,
15s past that, and 5s once any element crosses 90%.

Elements that stop answering degrade after three consecutive failures and
drop from selection after five; their records then expire on their own, so
a dead element cannot linger as a candidate.
*/
package capacity
