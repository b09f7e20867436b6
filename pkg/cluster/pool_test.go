package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/scale-jobs/pkg/core"
	"github.com/jdziat/scale-jobs/pkg/matcher"
)

func testPool() *Pool {
	return NewPool(
		NodeSpec{ID: "node-a", Hostname: "a", Resources: core.Resources{CPUs: 4, Mem: 1024, Disk: 1000}},
		NodeSpec{ID: "node-b", Hostname: "b", Resources: core.Resources{CPUs: 2, Mem: 512, Disk: 500}},
	)
}

func TestPool_OffersReflectReservations(t *testing.T) {
	ctx := context.Background()
	p := testPool()

	offers, err := p.Offers(ctx)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "node-a", offers[0].NodeID)

	need := core.Resources{CPUs: 3, Mem: 512, Disk: 10}
	require.NoError(t, p.Accept(ctx, offers[0], "task-1", need))

	offers, err = p.Offers(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.Resources{CPUs: 1, Mem: 512, Disk: 990}, offers[0].Resources)

	require.NoError(t, p.Release(ctx, "task-1"))
	offers, err = p.Offers(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.Resources{CPUs: 4, Mem: 1024, Disk: 1000}, offers[0].Resources)
}

func TestPool_AcceptRejectsOverCommit(t *testing.T) {
	ctx := context.Background()
	p := testPool()
	offer := matcher.Offer{NodeID: "node-b"}

	require.NoError(t, p.Accept(ctx, offer, "t1", core.Resources{CPUs: 2}))
	err := p.Accept(ctx, offer, "t2", core.Resources{CPUs: 1})
	assert.ErrorIs(t, err, ErrInsufficientCapacity)

	err = p.Accept(ctx, matcher.Offer{NodeID: "nope"}, "t3", core.Resources{})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestPool_AcceptIsIdempotentPerTask(t *testing.T) {
	ctx := context.Background()
	p := testPool()
	offer := matcher.Offer{NodeID: "node-b"}

	require.NoError(t, p.Accept(ctx, offer, "t1", core.Resources{CPUs: 2}))
	require.NoError(t, p.Accept(ctx, offer, "t1", core.Resources{CPUs: 2}))
	require.NoError(t, p.Release(ctx, "t1"))
	require.NoError(t, p.Release(ctx, "t1"))

	offers, err := p.Offers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, offers[1].Resources.CPUs)
}

func TestPool_MatchAgainstOffers(t *testing.T) {
	ctx := context.Background()
	p := testPool()
	offers, err := p.Offers(ctx)
	require.NoError(t, err)

	jobs := []*core.Job{
		{ID: 1, CPUsRequired: 2, MemRequired: 512},
		{ID: 2, CPUsRequired: 4, MemRequired: 512},
	}
	res := matcher.Match(jobs, offers)
	require.Len(t, res.Assignments, 2)

	assert.Equal(t, "node-b", res.Assignments[0].Offer.NodeID)
	assert.Equal(t, "node-a", res.Assignments[1].Offer.NodeID)
	for _, a := range res.Assignments {
		require.NoError(t, p.Accept(ctx, a.Offer, fmt.Sprint(a.Job.ID), a.Job.Resources()))
	}
}
