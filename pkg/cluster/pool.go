// Package cluster tracks the capacity of a fixed set of nodes and serves it
// as resource offers.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/matcher"
)

var (
	ErrUnknownNode          = errors.New("cluster: unknown node")
	ErrInsufficientCapacity = errors.New("cluster: insufficient capacity")
)

// NodeSpec describes one node's total capacity.
type NodeSpec struct {
	ID        string         `yaml:"id"`
	Hostname  string         `yaml:"hostname"`
	Resources core.Resources `yaml:"resources"`
}

type reservation struct {
	nodeID string
	res    core.Resources
}

// Pool is an in-process matcher.ResourceManager over static nodes.
type Pool struct {
	mu       sync.Mutex
	nodes    map[string]NodeSpec
	used     map[string]core.Resources
	reserved map[string]reservation
}

var _ matcher.ResourceManager = (*Pool)(nil)

// NewPool creates a pool over the given nodes.
func NewPool(nodes ...NodeSpec) *Pool {
	p := &Pool{
		nodes:    make(map[string]NodeSpec, len(nodes)),
		used:     make(map[string]core.Resources, len(nodes)),
		reserved: make(map[string]reservation),
	}
	for _, n := range nodes {
		p.nodes[n.ID] = n
	}
	return p
}

// Offers returns one offer per node with its unreserved capacity.
func (p *Pool) Offers(ctx context.Context) ([]matcher.Offer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offers := make([]matcher.Offer, 0, len(p.nodes))
	for id, n := range p.nodes {
		offers = append(offers, matcher.Offer{
			ID:        uuid.NewString(),
			NodeID:    id,
			Hostname:  n.Hostname,
			Resources: n.Resources.Sub(p.used[id]),
		})
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].NodeID < offers[j].NodeID })
	return offers, nil
}

// Accept reserves res on the offer's node for taskID.
func (p *Pool) Accept(ctx context.Context, offer matcher.Offer, taskID string, res core.Resources) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[offer.NodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, offer.NodeID)
	}
	if _, dup := p.reserved[taskID]; dup {
		return nil
	}
	free := n.Resources.Sub(p.used[offer.NodeID])
	if !res.Fits(free) {
		return fmt.Errorf("%w on %s", ErrInsufficientCapacity, offer.NodeID)
	}
	p.used[offer.NodeID] = p.used[offer.NodeID].Add(res)
	p.reserved[taskID] = reservation{nodeID: offer.NodeID, res: res}
	return nil
}

// Decline is a no-op: offers are snapshots and hold nothing.
func (p *Pool) Decline(ctx context.Context, offer matcher.Offer) error {
	return nil
}

// Release frees what taskID reserved. Unknown tasks are ignored.
func (p *Pool) Release(ctx context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.reserved[taskID]
	if !ok {
		return nil
	}
	delete(p.reserved, taskID)
	p.used[r.nodeID] = p.used[r.nodeID].Sub(r.res)
	return nil
}

// Nodes returns the pool's node specs sorted by id.
func (p *Pool) Nodes() []NodeSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NodeSpec, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
