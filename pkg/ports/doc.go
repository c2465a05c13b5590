/*
Package ports defines the driven ports (interfaces) of databench.

These interfaces decouple the session runtime from external implementations,
allowing the Datastore to run on different storage backends and the kernel
bridge to start kernels through different process launchers.

# Key Interfaces

  - DataBackend: Stores the encoded values of every Datastore domain (e.g., Memory or Redis).
  - Peer: The transport end of a session (e.g., a WebSocket connection).
  - Launcher / Process: Starts and terminates external kernel processes.
*/
package ports
