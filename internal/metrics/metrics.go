// Package metrics fetches per-message engagement counts (views, clicks,
// bounces, unsubscribes) from the tracking backend for condition
// verification.
package metrics

import (
	"context"
	"sync"

	"github.com/outflowhq/outflow/pkg/schema"
)

// Provider fetches the current value of an engagement metric for a
// dispatched message.
type Provider interface {
	Fetch(ctx context.Context, param schema.CheckParam, messageID string) (int, error)
}

// StaticProvider returns fixed metric values, keyed by message id and
// param. Unset entries read as zero. Used in tests and dev mode.
type StaticProvider struct {
	mu     sync.Mutex
	values map[string]map[schema.CheckParam]int
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{values: make(map[string]map[schema.CheckParam]int)}
}

// Set records a metric value for a message.
func (p *StaticProvider) Set(messageID string, param schema.CheckParam, value int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values[messageID] == nil {
		p.values[messageID] = make(map[schema.CheckParam]int)
	}
	p.values[messageID][param] = value
}

func (p *StaticProvider) Fetch(ctx context.Context, param schema.CheckParam, messageID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[messageID][param], nil
}
