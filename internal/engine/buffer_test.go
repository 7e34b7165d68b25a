package engine

import (
	"context"
	"testing"
	"time"

	"geyser-indexer-go/internal/models"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBuffer_BackpressureAtCapacity(t *testing.T) {
	b := NewBuffer(BufferOptions{BatchSize: 3, MaxAge: time.Hour, Capacity: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Push(accountRecord(uint64(i))))
	}
	assert.ErrorIs(t, b.Push(accountRecord(3)), ErrBackpressure)
	assert.Equal(t, 3, b.Depth(models.KindAccount))

	// other kinds have their own budget
	assert.NoError(t, b.Push(slotRecord(1, models.SlotProcessed)))

	// handing a batch to a worker frees the budget
	b.FlushAll()
	batch, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.KindAccount, batch.Kind)
	assert.Len(t, batch.Records, 3)
	assert.Equal(t, 0, b.Depth(models.KindAccount))
	assert.NoError(t, b.Push(accountRecord(4)))
}

func TestBuffer_SealsOnSize(t *testing.T) {
	b := NewBuffer(BufferOptions{BatchSize: 2, MaxAge: time.Hour, Capacity: 10})

	require.NoError(t, b.Push(accountRecord(1)))
	assert.Equal(t, 0, b.ReadyBatches())
	require.NoError(t, b.Push(accountRecord(2)))
	assert.Equal(t, 1, b.ReadyBatches())

	batch, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SealSize, batch.SealReason)
	assert.Len(t, batch.Records, 2)
}

func TestBuffer_SealsOnAge(t *testing.T) {
	c := clock.NewTestClock(testEpoch)
	b := NewBuffer(BufferOptions{BatchSize: 100, MaxAge: 100 * time.Millisecond, Capacity: 1000, Clock: c})

	require.NoError(t, b.Push(accountRecord(1)))
	assert.Equal(t, 0, b.SealExpired())

	c.SetTime(testEpoch.Add(100 * time.Millisecond))
	assert.Equal(t, 1, b.SealExpired())

	batch, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SealAge, batch.SealReason)
	assert.Equal(t, testEpoch, batch.FirstEnqueued)

	// a push onto an expired open batch seals it first
	require.NoError(t, b.Push(accountRecord(2)))
	c.SetTime(testEpoch.Add(time.Second))
	require.NoError(t, b.Push(accountRecord(3)))
	assert.Equal(t, 1, b.ReadyBatches())
	batch, err = b.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
	assert.Equal(t, uint64(2), batch.Records[0].SlotNumber())
}

func TestBuffer_RunSealer(t *testing.T) {
	b := NewBuffer(BufferOptions{BatchSize: 100, MaxAge: 20 * time.Millisecond, Capacity: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunSealer(ctx)

	require.NoError(t, b.Push(accountRecord(1)))
	assert.Eventually(t, func() bool { return b.ReadyBatches() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBuffer_FIFOAcrossKinds(t *testing.T) {
	b := NewBuffer(BufferOptions{BatchSize: 1, MaxAge: time.Hour, Capacity: 10})

	require.NoError(t, b.Push(slotRecord(5, models.SlotProcessed)))
	require.NoError(t, b.Push(accountRecord(5)))
	require.NoError(t, b.Push(slotRecord(6, models.SlotProcessed)))

	var kinds []models.Kind
	var ids []uint64
	for i := 0; i < 3; i++ {
		batch, err := b.Next(context.Background())
		require.NoError(t, err)
		kinds = append(kinds, batch.Kind)
		ids = append(ids, batch.ID)
	}
	assert.Equal(t, []models.Kind{models.KindSlot, models.KindAccount, models.KindSlot}, kinds)
	assert.IsIncreasing(t, ids)
}

func TestBuffer_NextWaits(t *testing.T) {
	b := NewBuffer(BufferOptions{BatchSize: 1, MaxAge: time.Hour, Capacity: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Batch, 1)
	go func() {
		batch, _ := b.Next(context.Background())
		got <- batch
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Push(accountRecord(9)))
	select {
	case batch := <-got:
		require.NotNil(t, batch)
		assert.Equal(t, uint64(9), batch.Records[0].SlotNumber())
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestBuffer_CloseDrainsThenReportsClosed(t *testing.T) {
	b := NewBuffer(BufferOptions{BatchSize: 10, MaxAge: time.Hour, Capacity: 100})
	require.NoError(t, b.Push(accountRecord(1)))
	require.NoError(t, b.Push(slotRecord(1, models.SlotRooted)))

	b.Close()
	b.Close()
	assert.ErrorIs(t, b.Push(accountRecord(2)), ErrBufferClosed)

	for i := 0; i < 2; i++ {
		batch, err := b.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SealFlush, batch.SealReason)
	}
	_, err := b.Next(context.Background())
	assert.ErrorIs(t, err, ErrBufferClosed)
}

func TestBuffer_DrainAll(t *testing.T) {
	m := NewMetrics()
	b := NewBuffer(BufferOptions{BatchSize: 2, MaxAge: time.Hour, Capacity: 100, Metrics: m})
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Push(accountRecord(uint64(i))))
	}

	drained := b.DrainAll()
	require.Len(t, drained, 2)
	assert.Equal(t, SealSize, drained[0].SealReason)
	assert.Equal(t, SealFlush, drained[1].SealReason)
	assert.Equal(t, 0, b.Depth(models.KindAccount))
	assert.Equal(t, 0, b.ReadyBatches())
}

func TestBatch_SlotRange(t *testing.T) {
	b := &Batch{Records: []models.Record{accountRecord(7), accountRecord(3), accountRecord(9)}}
	first, last := b.SlotRange()
	assert.Equal(t, uint64(3), first)
	assert.Equal(t, uint64(9), last)
}
