// +build integration

package memcached

import (
	"context"
	"flag"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/director/pkg/compiledpackage"
	"github.com/fleetops/director/pkg/guid"
)

var (
	memcachedIPs = flag.String("memcached-ips", "127.0.0.1:11211", "space-separated host:port values for memcached to connect to")
)

func TestMemcachedRoundTrip(t *testing.T) {
	mc := NewFixedServerMemcacheClient(MemcacheConfig{
		Timeout:        time.Second,
		UpdateInterval: 1 * time.Minute,
		Logger:         log.With(log.NewLogfmtLogger(os.Stderr), "component", "memcached"),
	}, strings.Fields(*memcachedIPs)...)
	defer mc.Stop()

	_, err := mc.Get("compiled:" + guid.New())
	assert.Equal(t, ErrNotCached, err)

	ctx := context.Background()
	ref := compiledpackage.PackageRef{Release: "app", Name: "ruby", Version: "2.6", Fingerprint: guid.New()}
	s := NewStore(compiledpackage.NewInMemStore(), mc, log.NewNopLogger())
	created, err := s.Create(ctx, compiledpackage.NewCompiledPackage{
		Package: ref, StemcellOS: "ubuntu-xenial", StemcellVersion: "621.5", DependencyKey: "[]",
	})
	require.NoError(t, err)

	bytes, err := mc.Get(key(ref, "ubuntu-xenial", "621.5", "[]"))
	require.NoError(t, err)
	assert.Contains(t, string(bytes), ref.Fingerprint)

	cp, err := s.Find(ctx, ref, "ubuntu-xenial", "621.5", "[]")
	require.NoError(t, err)
	assert.Equal(t, created, cp)
}
