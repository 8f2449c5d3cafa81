// Package redisstream provides the Redis Streams transport for xmsg.
//
// Importing the package registers the "redis" and "rediss" (TLS) schemes:
//
//	redis://[user:pass@]host:port/<stream>?group=billing&consumer=node-1
//
// Query parameters:
//   - db: database number (default 0)
//   - group: consumer group (default "xmsg")
//   - consumer: consumer name (default "xmsg-<host>-<pid>")
//   - batch_size: XREADGROUP COUNT (default 128)
//   - auto_create: create group/stream if missing (default true)
//   - start: group start id, "0" or "$" (default "0")
//   - auto_delete: XDEL after XACK (default false)
//   - dead_letter: stream receiving undecodable entries (optional)
//   - maxlen: approximate stream cap on XADD (optional)
//   - claim_min_idle, claim_interval, claim_batch: pending entry recovery
//
// Example:
//
//	import _ "github.com/trickstertwo/xmsg/adapter/redisstream"
//
//	in, err := factory.BuildInputAdapterFromURI("orders", "redis://localhost:6379/orders?group=billing")
package redisstream
