// Package types defines the core data structures of the entity resolution
// core: canonical entities and their source bindings, auxiliary signals,
// append-only resolution events, clarification sessions and the error
// taxonomy shared by every layer.
package types
