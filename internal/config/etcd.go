package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/powershare/energymatch/pkg/scoring"
)

// kvGetter is the subset of clientv3.KV used for overlays.
type kvGetter interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// DialEtcd connects to the cluster in cfg.
func DialEtcd(cfg Config) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: cfg.EtcdDialTimeout,
	})
}

// LoadProfileWeights reads JSON weight vectors stored under
// <prefix>/profiles/<name>. Every value is validated; one bad entry fails
// the whole overlay.
func LoadProfileWeights(ctx context.Context, kv kvGetter, prefix string) (map[scoring.Profile]scoring.Weights, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	base := strings.TrimRight(prefix, "/") + "/profiles/"
	resp, err := kv.Get(ctx, base, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to read profile weights: %w", err)
	}

	out := make(map[scoring.Profile]scoring.Weights, len(resp.Kvs))
	for _, item := range resp.Kvs {
		name := strings.TrimPrefix(string(item.Key), base)
		profile, err := scoring.ParseProfile(name)
		if err != nil || name == "" {
			return nil, fmt.Errorf("key %s: unknown profile %q", item.Key, name)
		}
		var w scoring.Weights
		if err := json.Unmarshal(item.Value, &w); err != nil {
			return nil, fmt.Errorf("key %s: %w", item.Key, err)
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("key %s: %w", item.Key, err)
		}
		out[profile] = w
	}
	return out, nil
}
