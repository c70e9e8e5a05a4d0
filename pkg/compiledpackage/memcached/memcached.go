/* This package puts memcached in front of a compiled package store.

Only hits are cached. A miss is always answered by the backing store,
since another director may create the package at any moment; and a
Create refreshes the entry so a cached Find never returns an older
build than the store would.

memcached will still evict things when under memory pressure. We can
recover from that -- we'll just get a cache miss, and ask the store.

*/
package memcached

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

const (
	// Compiled packages never change once created; entries live until
	// memcached needs the room.
	DefaultExpiry = 24 * time.Hour
)

var ErrNotCached = errors.New("not cached")

// MemcacheClient is a memcache client that gets its server list from
// SRV records, or from a fixed list, and periodically updates that
// ServerList.
type MemcacheClient struct {
	client     *memcache.Client
	serverList *memcache.ServerList
	hostname   string
	service    string
	expiry     time.Duration
	logger     log.Logger

	quit chan struct{}
	wait sync.WaitGroup
}

// MemcacheConfig defines how a MemcacheClient should be constructed.
type MemcacheConfig struct {
	Host           string
	Service        string
	Timeout        time.Duration
	UpdateInterval time.Duration
	Expiry         time.Duration
	Logger         log.Logger
	MaxIdleConns   int
}

func newClient(config MemcacheConfig, servers *memcache.ServerList) *MemcacheClient {
	client := memcache.NewFromSelector(servers)
	client.Timeout = config.Timeout
	client.MaxIdleConns = config.MaxIdleConns
	expiry := config.Expiry
	if expiry == 0 {
		expiry = DefaultExpiry
	}
	return &MemcacheClient{
		client:     client,
		serverList: servers,
		hostname:   config.Host,
		service:    config.Service,
		expiry:     expiry,
		logger:     config.Logger,
		quit:       make(chan struct{}),
	}
}

func NewMemcacheClient(config MemcacheConfig) *MemcacheClient {
	var servers memcache.ServerList
	c := newClient(config, &servers)

	err := c.updateFromSRVRecords()
	if err != nil {
		config.Logger.Log("err", errors.Wrapf(err, "Error setting memcache servers to '%v'", config.Host))
	}

	c.wait.Add(1)
	go c.updateLoop(config.UpdateInterval, c.updateFromSRVRecords)
	return c
}

// Does not use DNS, accepts static list of servers.
func NewFixedServerMemcacheClient(config MemcacheConfig, addresses ...string) *MemcacheClient {
	var servers memcache.ServerList
	servers.SetServers(addresses...)
	c := newClient(config, &servers)

	c.wait.Add(1)
	go c.updateLoop(config.UpdateInterval, func() error {
		return servers.SetServers(addresses...)
	})
	return c
}

func (c *MemcacheClient) Get(key string) ([]byte, error) {
	item, err := c.client.Get(key)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			// Don't log on cache miss
			return nil, ErrNotCached
		}
		c.logger.Log("err", errors.Wrap(err, "fetching compiled package from memcache"))
		return nil, err
	}
	return item.Value, nil
}

func (c *MemcacheClient) Set(key string, value []byte) error {
	if err := c.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(c.expiry.Seconds()),
	}); err != nil {
		c.logger.Log("err", errors.Wrap(err, "storing in memcache"))
		return err
	}
	return nil
}

// Stop the memcache client.
func (c *MemcacheClient) Stop() {
	close(c.quit)
	c.wait.Wait()
}

func (c *MemcacheClient) updateLoop(updateInterval time.Duration, update func() error) {
	defer c.wait.Done()
	if updateInterval <= 0 {
		<-c.quit
		return
	}
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := update(); err != nil {
				c.logger.Log("err", errors.Wrap(err, "error updating memcache servers"))
			}
		case <-c.quit:
			return
		}
	}
}

// updateMemcacheServers sets a memcache server list from SRV records. SRV
// priority & weight are ignored.
func (c *MemcacheClient) updateFromSRVRecords() error {
	_, addrs, err := net.LookupSRV(c.service, "tcp", c.hostname)
	if err != nil {
		return err
	}
	var servers []string
	for _, srv := range addrs {
		servers = append(servers, fmt.Sprintf("%s:%d", srv.Target, srv.Port))
	}
	// ServerList deterministically maps keys to _index_ of the server list.
	// Since DNS returns records in different order each time, we sort to
	// guarantee best possible match between nodes.
	sort.Strings(servers)
	return c.serverList.SetServers(servers...)
}
