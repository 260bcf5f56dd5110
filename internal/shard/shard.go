// Package shard hashes stream ids onto a fixed set of dispatch workers.
package shard

import "hash/fnv"

// ForKey maps key deterministically to a shard in [0, shardCount).
func ForKey(key string, shardCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shardCount))
}
