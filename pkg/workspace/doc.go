// Package workspace moves files between workspaces and execution work
// directories.
//
// A workspace stores files through a Broker chosen by its configuration:
// HostBroker for a directory mounted on every node, S3Broker for an S3
// bucket. Resolver opens and caches brokers by workspace id.
package workspace
