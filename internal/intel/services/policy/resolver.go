// Package policy resolves the effective intel settings for a query by merging
// the built-in defaults, the global feature flag and every scope that applies
// to the querying device.
package policy

import (
	"context"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

// FeatureName is the feature flag that switches DNS intel on and off.
const FeatureName = "dns_intel"

// Settings is the resolved configuration for one query.
type Settings struct {
	// Enabled gates classification entirely.
	Enabled bool `koanf:"enabled"`
	// Alarm gates alarm generation for blocked intel.
	Alarm bool `koanf:"alarm"`
}

// Layers supplies the mutable layers of the merge.
type Layers interface {
	Feature(ctx context.Context, name string) (enabled, set bool, err error)
	Policy(ctx context.Context, target domain.Target) (map[string]any, error)
}

// Resolver merges setting layers per call. It holds no per-query state.
type Resolver struct {
	defaults Settings
	layers   Layers
	logger   log.Logger
}

// Options configures a Resolver.
type Options struct {
	Defaults Settings
	// Layers may be nil, in which case only Defaults apply.
	Layers Layers
	Logger log.Logger
}

// NewResolver returns a Resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Resolver{defaults: opts.Defaults, layers: opts.Layers, logger: log.Component(opts.Logger, "policy")}
}

// Resolve merges defaults, then the feature flag, then each target in order.
// Later layers win key by key. Unreadable layers are logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, targets ...domain.Target) Settings {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(map[string]any{
		"enabled": r.defaults.Enabled,
		"alarm":   r.defaults.Alarm,
	}, "."), nil)

	if r.layers != nil {
		r.mergeFeature(ctx, k)
		for _, t := range targets {
			layer, err := r.layers.Policy(ctx, t)
			if err != nil {
				r.logger.Warn(map[string]any{"target": t.Key(), "error": err}, "skipping unreadable policy layer")
				continue
			}
			if len(layer) == 0 {
				continue
			}
			if err := k.Load(confmap.Provider(layer, "."), nil); err != nil {
				r.logger.Warn(map[string]any{"target": t.Key(), "error": err}, "skipping invalid policy layer")
			}
		}
	}

	out := r.defaults
	if err := k.Unmarshal("", &out); err != nil {
		r.logger.Error(map[string]any{"error": err}, "failed to decode merged policy, using defaults")
		return r.defaults
	}
	return out
}

func (r *Resolver) mergeFeature(ctx context.Context, k *koanf.Koanf) {
	enabled, set, err := r.layers.Feature(ctx, FeatureName)
	if err != nil {
		r.logger.Warn(map[string]any{"feature": FeatureName, "error": err}, "feature flag unavailable")
		return
	}
	if !set {
		return
	}
	_ = k.Load(confmap.Provider(map[string]any{"enabled": enabled}, "."), nil)
}
