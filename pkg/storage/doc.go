/*
Package storage implements the metadata store (spec.md §4.1) on top of
BoltDB: the durable record of files, replicas, nodes, and upload history,
and the sole serializer of concurrent mutations to them.

# Buckets

	files             File, keyed by file_id
	replicas          Replica, keyed by "file_id|node_id"
	nodes             Node, keyed by node_id
	upload_history    UploadHistoryEntry, keyed by an auto-incrementing sequence
	recovery_history  optional ring-buffer snapshot written by pkg/recovery

# Concurrency

Every multi-row mutation (CreateFile, DeleteFile, ...) runs inside one
db.Update transaction. Reads use db.View and may observe a slightly stale
active/inactive node view, but never a partial write: BoltDB's single-writer
model gives that for free.

GetActiveNodes additionally inactivates any node it finds stale while
reading, so a caller that reads immediately after a missed heartbeat never
sees a node the liveness loop hasn't ticked over yet.
*/
package storage
