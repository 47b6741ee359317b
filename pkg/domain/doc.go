/*
Package domain contains the core domain models of the Waypoint workflow core.

It defines the checkpoint records persisted after every executor step, the
workflow state that flows between nodes, the reducer table that merges node
updates into that state, and the error taxonomy shared by adapters and the
runtime. This package is kept pure and free of I/O, following Hexagonal
Architecture principles.

# Key Entities

  - CheckpointKey: Addresses a checkpoint (thread, user, namespace, id).
  - CheckpointTuple: A checkpoint with metadata, parent link and pending writes.
  - WorkflowState: The state carried between nodes (messages, plan, status).
  - StateUpdate: A partial update returned by a node, merged via Reducers.
  - Command: A node result (update + routing directive).
*/
package domain
