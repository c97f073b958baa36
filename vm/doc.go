// Package vm implements the object model and generational collector core.
//
// This package contains:
//   - Arena handles (Ref) and the shared collectable header
//   - Representations (REPRs) and type descriptors (STables)
//   - Per-thread semi-space nurseries and the size-class second generation
//   - Root registries, frame scanning and the write barrier
//   - Stop-the-world orchestration with work stealing and cross-thread in-trays
package vm
