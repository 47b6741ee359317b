/*
Package session serializes access to conversation threads.

Runs for the same (user, thread) pair must not interleave: the executor reads
the latest checkpoint and appends the next one, so two concurrent turns would
fork the chain. The Manager hands out ref-counted in-process mutexes keyed by
thread and, when configured with a DistributedLocker, also holds a lock that
spans replicas.
*/
package session
