package lock

import (
	"context"
	"fmt"

	"github.com/fleetops/director/pkg/release"
	"github.com/fleetops/director/pkg/stemcell"
)

// Locker provides named mutual exclusion. Locks are not reentrant.
type Locker interface {
	// WithLock runs f while holding the lock named key, and releases
	// it however f returns. It gives up waiting when ctx is done.
	WithLock(ctx context.Context, key string, f func() error) error
}

// CompileKey names the lock held while compiling pkg for a stemcell
// on behalf of a deployment.
func CompileKey(pkg *release.Package, s stemcell.Stemcell, deployment string) string {
	return fmt.Sprintf("lock:compile:%s/%s/%s:%s/%s:%s",
		pkg.Release, pkg.Name, pkg.Fingerprint, s.OS, s.Version, deployment)
}
