/*
Package types defines the core data structures shared across the ReBAC
authorization core.

This package contains the domain model used by every other package: schemas,
entities, edges, mutations, and connections. These types are the vocabulary
the schema registry, tabular store, graph index, edge ledger, validation
engine, and sync hub all speak.

# Core Types

Schema:
  - Schema: a tenant's entity/relationship/index definitions, uncompiled
  - FieldDef, RelationshipDef, IndexDef: the declared shape of a schema
  - FieldType: the closed set of field types a schema may use

Graph:
  - Entity: a row conforming to an entity table
  - Edge: a server-minted relationship instance between two entities
  - MutationKind, MutationEntry: the append-only log vocabulary

Sync:
  - ConnectionInfo: a live WebSocket client's sync state

All types are JSON-serializable and carry no behavior beyond small,
self-contained helpers; validation and interpretation live in the packages
that consume them.
*/
package types
