// Package stores provides the SQLite persistence layer of the control plane.
// It stores clusters, projects and resources, records every create and
// delete flow with its steps, keeps the flow event log and the audit trail,
// and implements the placement interfaces used by the adapters, including
// the compare-and-set that pins a project to its cluster.
package stores
