// Package salescache implements the content cache and synchronization
// engine behind a sales-enablement content viewer. Typed content
// documents (resources, personas, use cases) are obtained through a
// loader orchestrator combining an in-memory TTL cache, request
// de-duplication, retry with exponential backoff, a durable bbolt-backed
// fallback store, a change-notification bus, and a best-effort
// cross-context broadcast channel.
//
// The root package holds the cache key type shared by all subpackages.
package salescache
