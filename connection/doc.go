// Package connection resolves a go-redis client for one of three
// topologies: a standalone node, a Redis Cluster seed list, or a
// sentinel-monitored failover group.
//
// Each topology differs only in the client it produces; everything above
// this package works against redis.UniversalClient. Every failure to reach
// or verify the store wraps [ErrConnectivity] so hosts can fall back to a
// different session backend.
package connection
