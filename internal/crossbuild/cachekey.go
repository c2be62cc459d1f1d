package crossbuild

// CacheNamespace separates this pipeline's snapshots from other users of the
// same cache store.
const CacheNamespace = "CrossBuild"

// CacheKey identifies a build-state snapshot.
type CacheKey struct {
	// Primary is the exact-match key: platform, namespace and lock token.
	Primary string
	// RestorePrefixes are tried in order when Primary has no snapshot.
	// They omit the lock token so a stale snapshot for the same platform
	// can seed an incremental rebuild.
	RestorePrefixes []string
}

// NewCacheKey derives the key pair for platform and a lock-file token.
func NewCacheKey(platform, token string) CacheKey {
	prefix := platform + "-" + CacheNamespace + "-"
	return CacheKey{
		Primary:         prefix + token,
		RestorePrefixes: []string{prefix},
	}
}
