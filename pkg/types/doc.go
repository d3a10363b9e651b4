// Package types defines the shared data model of the orchestrator: instance
// descriptors, the derived storage layout, container run specifications,
// backup records, and the structured operation result every public entry
// point returns.
//
// The package has no dependencies on other arkd packages so every component
// can import it freely.
package types
