// Package engine provides the core types and interfaces for the aiready
// endpoint engine.
//
// # Overview
//
// aiready makes a set of well-known documents (ai-plugin.json, mcp.json,
// robots.txt, llms.txt) and a chat proxy reachable on a website, whatever the
// hosting environment allows. Every registration runs the same workflow:
//
//  1. Probe - Discover what the host can serve (Prober, CapabilityReport)
//  2. Catalog - Order the strategies the report permits (Strategy)
//  3. Admit - Drop strategies that policy forbids
//  4. Execute - Try strategies in turn, rolling back each failure
//  5. Record - Persist the outcome (AttemptRecord, AttemptHistoryEntry)
//
// # Core Domain Types
//
//   - EndpointDescriptor: a logical path, its body and declared headers
//   - CapabilityReport: what the host supports, cached per site
//   - Strategy: one way of publishing an endpoint, built from blocks
//   - AttemptRecord: the latest registration outcome of an endpoint
//   - Artifact: something a strategy produced and deactivation must undo
//   - FileFingerprint, FileConflict, Backup: the file safety registries
//   - Suggestion: server configuration an operator must apply by hand
//
// # Endpoint Lifecycle
//
// An endpoint moves through the states below. CanTransitionTo rejects
// anything else.
//
//	unregistered -> probing -> strategy_active | all_strategies_failed
//	strategy_active | all_strategies_failed -> probing | deactivated
//	deactivated -> probing
//
// # Error Classification
//
// Errors are classified so the orchestrator can decide between falling back
// to the next strategy and aborting:
//
//   - Transient: probe timeouts and similar; capability becomes unknown
//   - Conflict: existing content or state blocked a write
//   - Permanent: invalid input or a missing collaborator
//
// Use the helper functions to inspect errors:
//
//	if engine.IsNotFound(err) {
//	    // nothing registered at that path
//	}
//
// # Collaborators
//
// FileSystem abstracts the document root so a local directory and an SFTP
// remote behave the same. RouteTable is the request-time routing table. The
// *Store interfaces are implemented by the stores package.
package engine
