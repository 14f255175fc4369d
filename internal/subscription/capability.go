package subscription

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MetaFetcher reads one meta value from a peer.
type MetaFetcher interface {
	GetMetaValue(ctx context.Context, baseURI, name string) (string, error)
}

// supportedMetaPath is where peers advertise optional protocol features,
// as a comma-separated list.
const supportedMetaPath = "actingweb/supported"

// Capabilities caches what optional features each peer supports. Discovery
// is lazy: nothing is fetched until a caller needs the answer.
type Capabilities struct {
	meta  MetaFetcher
	cache *gocache.Cache
}

// NewCapabilities creates the capability cache.
func NewCapabilities(meta MetaFetcher) *Capabilities {
	return &Capabilities{
		meta:  meta,
		cache: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// EnsureLoaded fetches and caches the peer's capability set unless it is
// already cached. Failures are not cached, so the next caller retries.
func (c *Capabilities) EnsureLoaded(ctx context.Context, peerID, baseURI string) error {
	if _, ok := c.cache.Get(peerID); ok {
		return nil
	}
	raw, err := c.meta.GetMetaValue(ctx, baseURI, supportedMetaPath)
	if err != nil {
		return err
	}
	feats := make(map[string]struct{})
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			feats[f] = struct{}{}
		}
	}
	c.cache.SetDefault(peerID, feats)
	return nil
}

// Supports reports whether the peer's cached set contains the feature.
// Peers that were never loaded support nothing.
func (c *Capabilities) Supports(peerID, feature string) bool {
	v, ok := c.cache.Get(peerID)
	if !ok {
		return false
	}
	feats, ok := v.(map[string]struct{})
	if !ok {
		return false
	}
	_, ok = feats[feature]
	return ok
}

// Forget drops the cached set so the next lookup rediscovers it.
func (c *Capabilities) Forget(peerID string) {
	c.cache.Delete(peerID)
}
