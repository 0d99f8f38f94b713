// Package nodeclient talks to storage nodes over HTTP: health, upload,
// download, verify, delete, and the copy primitive composed from download
// and upload. See spec.md §4.7 and §6 for the wire contract.
package nodeclient
