// Package topics is the backend-pluggable messaging layer of brook. Agent
// pods talk to brokers only through the interfaces defined here, so the same
// pipeline runs unchanged against the in-memory, NATS, Kafka or RabbitMQ
// backends.
//
// Design decisions:
//   - Registered factories: backends register a Factory from init, the way
//     database/sql drivers do. Out-of-tree backends can also be shipped as Go
//     plugins and are opened from the loader's plugin directory.
//   - Isolated scopes: every Load builds a fresh Scope (symbol table, logger,
//     tracked resources). Two loads never share scope state, even for the
//     same backend.
//   - Scoped execution: the Facade runs every backend call with the backend
//     scope installed, both as an explicit capability in the context and in
//     the caller's per-goroutine Slot. The previous scope is restored on
//     every return path, panics included.
//   - Caller-owned resources: consumers, producers, readers and admins are
//     created by stateless factory calls and must be closed by the caller.
//
// Interface hierarchy:
//   - TopicConnectionsRuntime: one per loaded backend
//     ├── Consumer / Producer / Reader: record streams for one topic
//     └── TopicAdmin: topic creation and deletion
//
// Example usage:
//
//	loader, err := topics.NewLoader()
//	if err != nil {
//	    return err
//	}
//	defer loader.ReleaseAll()
//
//	desc, err := loader.Load("kafka")
//	if err != nil {
//	    return err
//	}
//	facade := topics.NewFacade(desc)
//	defer facade.Close()
//
//	if err := facade.Init(ctx, cluster); err != nil {
//	    return err
//	}
//	consumer, err := facade.CreateConsumer(ctx, "agent-1", cluster, map[string]any{"topic": "input"})
package topics
