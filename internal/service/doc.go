// Package service runs scans and delivers their results.
//
// A Pipeline runs one full scan, signs the canonical report when a key is
// available and encodes the outcome as a signed artifact, a bare report or
// a CycloneDX document.
//
// The Supervisor owns an event loop driving a Pipeline. In manual mode it
// runs exactly one scan and returns the first error. In timer mode a gocron
// scheduler triggers scans on a cron expression or an ISO-8601 interval and
// errors are only logged until ctx is canceled.
//
//	scheduler --Start()--> Supervisor --Run()--> Pipeline --> scan.Orchestrator
//	                           |
//	                           +--Upload(Delivery)--> stdout, directory,
//	                                                  repository, history
//
// Invariants:
//   - At most one scan runs at a time, a trigger while a scan is running
//     is dropped.
//   - Every finished scan is handed to all uploaders, failures of one
//     uploader do not stop the others.
//   - A signing failure never stops a scan, the report is delivered
//     unsigned.
package service
