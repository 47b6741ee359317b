// Package runtime implements the workflow executor: a coordinator hands the
// turn to a planner, the planner to a supervisor, and the supervisor routes
// between worker nodes until the routing policy answers FINISH.
//
// Every step computes a Command (reducer deltas plus a goto), persists a new
// checkpoint and its channel writes, and only then advances.
package runtime
