// Package download fetches browser builds from a registry into temporary
// files, retrying transient failures within two independent ceilings.
//
// Every transfer counts as one attempt and the total is bounded by the
// overall attempt ceiling (MaxAttempts, default 30). Attempts are grouped
// into connection phases: a phase resolves the download info once and reuses
// it. After Retries consecutive transient failures (default 5) the phase
// ends, pooled connections are dropped, the download info is resolved again
// and the backoff starts over from its initial interval.
//
// Transport errors, timeouts, unexpected statuses, short bodies and size or
// checksum mismatches are transient. A version missing upstream, a local
// filesystem failure, insufficient disk space and cancellation are fatal and
// stop the fetch immediately.
package download
