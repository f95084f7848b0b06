package distributed

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convzoo/internal/config"
)

func TestReduceValueSingleProcessIsIdentity(t *testing.T) {
	ctx := context.Background()
	for _, avg := range []bool{true, false} {
		got, err := ReduceValue(ctx, Local{}, 3.25, avg)
		require.NoError(t, err)
		assert.Equal(t, 3.25, got)
	}
	assert.True(t, IsMain(Local{}))
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := message{rank: 2, seq: 9, values: []float64{1.5, -2, 0}}
	require.NoError(t, writeMessage(&buf, in))
	require.NoError(t, writeMessage(&buf, message{rank: 1}))

	r := bufio.NewReader(&buf)
	out, err := readMessage(r)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = readMessage(r)
	require.NoError(t, err)
	assert.Equal(t, 1, out.rank)
	assert.Empty(t, out.values)
}

func startStar(t *testing.T, world int) []*Star {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	members := make([]*Star, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	wg.Add(world)
	go func() {
		defer wg.Done()
		members[0], errs[0] = Serve(ctx, ln, world)
	}()
	for rank := 1; rank < world; rank++ {
		go func(rank int) {
			defer wg.Done()
			members[rank], errs[rank] = Dial(ctx, ln.Addr().String(), rank, world)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	t.Cleanup(func() {
		for _, m := range members {
			m.Close()
		}
	})
	return members
}

func TestStarAllReduceThreeRanks(t *testing.T) {
	members := startStar(t, 3)
	ctx := context.Background()

	results := make([][]float64, len(members))
	sums := make([]float64, len(members))
	means := make([]float64, len(members))
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m *Star) {
			defer wg.Done()
			vals := []float64{float64(rank), 1, float64(10 * rank)}
			assert.NoError(t, m.AllReduce(ctx, vals))
			results[rank] = vals

			s, err := ReduceValue(ctx, m, float64(rank+1), false)
			assert.NoError(t, err)
			sums[rank] = s

			mean, err := ReduceValue(ctx, m, float64(rank+1), true)
			assert.NoError(t, err)
			means[rank] = mean
		}(rank, m)
	}
	wg.Wait()

	for rank := range members {
		assert.Equal(t, []float64{3, 3, 30}, results[rank])
		assert.Equal(t, 6.0, sums[rank])
		assert.Equal(t, 2.0, means[rank])
	}
	assert.True(t, IsMain(members[0]))
	assert.False(t, IsMain(members[1]))
}

func TestStarAllReduceHonoursCancellation(t *testing.T) {
	members := startStar(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// rank 1 never joins, so the hub blocks until the deadline.
	err := members[0].AllReduce(ctx, []float64{1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialRejectsBadRank(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", 0, 2)
	require.Error(t, err)
}

func TestOpenLocalWhenSingleProcess(t *testing.T) {
	g, err := Open(context.Background(), config.Distributed{WorldSize: 1})
	require.NoError(t, err)
	assert.Equal(t, Local{}, g)
}
