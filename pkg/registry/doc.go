/*
Package registry implements the shared cluster registry on redis.

The registry is the coordination surface between services that otherwise
share no state:

  - capacity records (TTL 120s) written by the capacity monitor leader and
    read by the storage selector
  - the sorted candidate indices capacity:rw:available and
    capacity:edit:available, scored priority*1e9 + available_bytes so the
    selector fetches ordered candidates with a single range read
  - the capacity leader lease (SET NX with TTL, renewed by heartbeat) and
    named locks such as the key rotation lock
  - the query service's L2 file metadata cache
  - the pub/sub channels carrying file lifecycle events

Lease renewal and release run as Lua scripts so a holder can never extend
or delete a lease it has already lost.
*/
package registry
