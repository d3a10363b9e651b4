/*
Package lifecycle runs the instance state machine.

The controller coordinates every externally triggered operation: start,
stop, restart, scheduled countdown shutdowns, status, logs and the periodic
sweeps. It owns no state of its own; instance records live in the store,
shutdown schedules live as marker files under the data directory, and the
container runtime is always the source of truth for "is it running".

# Operations

Start builds the filesystem layout, allocates missing ports, rewrites the
server config, regenerates the container run spec and launches the
container with its output captured to a timestamped log. The fresh
container is watched through a confirmation window so an immediate crash
comes back with the exit code and log tail instead of a bare failure.

Stop tries the graceful path first when the console answers: SaveWorld,
DoExit, then a bounded wait for the game process to exit on its own. The
runtime teardown afterwards is unconditional; a dead console only costs the
world flush, never the stop.

Scheduled shutdowns are token-based. A durable marker file holds the
active token per instance; countdown goroutines re-check their token
before every broadcast and before the final stop, so cancelling or
superseding a schedule simply strands the old goroutine, which exits
without acting. Because the marker is a plain file, a separate process can
cancel a countdown this one is driving.

Every operation returns types.OpResult. Expected failures (already
running, port exhaustion, runtime down) are results, and panics are
converted at the operation boundary, so callers never handle raw errors
from this package.
*/
package lifecycle
