// Package redisstore externalizes the workflow instance table and the
// correlation registry into redis, so engine state survives a process
// restart and can be shared between replicas. The engine's control flow is
// unchanged; durability is purely a storage concern.
package redisstore

import "time"

const (
	instanceKeyPrefix    = "enrichflow:instance:"
	correlationKeyPrefix = "enrichflow:correlation:"
)

// DefaultTTL bounds how long entries live without being removed explicitly,
// so a crashed process cannot leak keys forever.
const DefaultTTL = 24 * time.Hour
