// Learn LangGraph - Database-backed State Persistence for Workflow Graphs
//
// This module provides durable checkpoint storage for stateful workflow
// applications. Workflow state is captured as JSON documents keyed by a
// conversation thread and a checkpoint within that thread, so a long-running
// graph can be suspended, resumed, replayed or audited from any of its
// saved points.
//
// # Quick Start
//
// Install the package:
//
//	go get github.com/phaledang/learn-langraph
//
// Basic example:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//
//		"github.com/phaledang/learn-langraph/store"
//	)
//
//	func main() {
//		ctx := context.Background()
//
//		// Reads DATABASE_CONNECTION_STRING and DATABASE_TABLE_NAME and
//		// picks the matching backend.
//		persistence, err := store.NewFromEnv()
//		if err != nil {
//			panic(err)
//		}
//		defer persistence.Close()
//
//		if err := persistence.Initialize(ctx); err != nil {
//			panic(err)
//		}
//
//		persistence.SaveState(ctx, "conversation_123", "checkpoint_001", map[string]any{
//			"messages": []any{"Hello", "How are you?"},
//			"step":     2,
//		}, map[string]any{"user_id": "user_456"})
//
//		doc, _ := persistence.LoadState(ctx, "conversation_123", "")
//		fmt.Printf("latest checkpoint: %s\n", doc.CheckpointID)
//	}
//
// # Package Structure
//
// store/
// The persistence interface, the connection-string factory and every
// backend driver. Cosmos DB, PostgreSQL and SQL Server are selected
// automatically from the connection string; SQLite, Redis and an in-memory
// store can be constructed directly.
//
// log/
// Leveled logging used across the module, with an adapter for
// kataras/golog.
//
// # Configuration
//
// The factory reads its configuration from environment variables:
//
//   - DATABASE_CONNECTION_STRING: selects and configures the backend
//   - DATABASE_TABLE_NAME: table or container name, default "graph_states"
//
// # License
//
// This project is licensed under the MIT License.
package learnlangraph // import "github.com/phaledang/learn-langraph"
