// Package assetcache stores derived media artifacts (photo segments, map
// clips, template renders) under content keys so repeated work is skipped.
//
// Rows live in the job store; files live under paths.cache_dir. Writers
// serialize on a lease lock named write:<key> taken from a LockTable, while
// readers only attempt a separate read:<key> lock for hit bookkeeping and
// never wait. GetOrProduce combines the two: it re-checks under the write
// lock, keeps the lease alive while the producer runs, and moves the
// produced file into place.
package assetcache
