// Package cache defines the item store used by the proxy coordinator and its
// implementations: a filesystem store laid out as StoragePath/<repository>/<path>
// with attribute sidecars, and an S3 bucket store. Writes are atomic (temp file
// + rename, or a single PutObject of a spooled body) so readers never observe a
// partially written item. The package also provides the negative (not-found)
// caches backed by ristretto (in-memory) or badger (persistent).
package cache
