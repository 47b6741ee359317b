/*
Package ports defines the driven ports (interfaces) for the Waypoint workflow core.

These interfaces decouple the executor and history service from concrete
storage backends and from the model-backed collaborators that make routing
and content decisions.

# Key Interfaces

  - CheckpointStore: Persists checkpoints and pending writes.
  - WriteLog: Read side over pending writes, used by the history service.
  - RoutingPolicy: Chooses the next worker (or FINISH) at the supervisor.
  - Coordinator, Planner, Searcher, Agent: Node collaborators.
  - DistributedLocker: Serializes runs of one thread across replicas.
*/
package ports
