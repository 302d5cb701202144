// Package service runs cloud scans as asynchronous jobs.
//
// Overview
// The Orchestrator owns the credential vault and the job ledger. A caller
// submits a ScanRequest and gets a job id back immediately; the scan itself
// runs in a detached goroutine and the caller polls Status until the job is
// terminal.
//
// Data flow:
//
//	Submit            job goroutine                         Ledger
//	   |                   |                                   |
//	   | validate, take -->|                                   |
//	   | credential        |                                   |
//	   | Create ---------------------------------------------->| queued/0
//	   |                   | acquire worker slot               |
//	   |                   | Transition(running) ------------->| running/10
//	   |                   | Invoker.Run (prowler process)     |
//	   |                   | UpdateProgress(80) -------------->| running/80
//	   |                   | Normalizer.Parse, remove artifact |
//	   |                   | Storage.SaveScanResult            |
//	   |                   | release credential                |
//	   |                   | Transition(completed|failed) ---->| terminal/100
//
// Invariants:
//   - Submit never waits for a scan; validation errors and unknown
//     credential ids are reported synchronously and create no job.
//   - Every job reaches completed or failed, panics included.
//   - The credential of a job is released exactly once, before the job
//     becomes terminal.
//   - At most Config.Workers prowler processes run at a time; waiting jobs
//     stay queued.
//   - Close stops accepting jobs and waits for the running ones. When its
//     context ends first, running processes are killed.
package service
