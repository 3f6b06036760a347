// Package runner executes agent pods.
//
// An Orchestrator runs every PodConfiguration on its own goroutine. A pod
// consumes its input topic, pushes each record through its step chain,
// writes the result to its output topic and commits the input. Records that
// keep failing are handled by the pod's error policy: fail the pod, skip the
// record, or send it to the dead-letter topic.
//
// Broker backends are loaded through a topics.Loader once per cluster type
// and shared by all pods of that type behind a topics.Facade. Stopping is
// cooperative: RequestStop raises a flag every pod checks between reads, so
// a pod notices it within one poll timeout plus the processing of the batch
// in hand.
package runner
