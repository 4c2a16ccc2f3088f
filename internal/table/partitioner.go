package table

import "github.com/cespare/xxhash/v2"

// PartitionFor deterministically routes a serialized key to a partition.
// All reads and writes for a key go through exactly one partition.
func PartitionFor(key []byte, partitions int32) int32 {
	return int32(xxhash.Sum64(key) % uint64(partitions))
}
