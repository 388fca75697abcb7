package camera

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeFrame(number int64) *Frame {
	return &Frame{
		Pixels: make([]byte, 12),
		Width:  2,
		Height: 2,
		NChan:  3,
		Number: number,
		PTS:    time.Now(),
	}
}

func TestFrameBufferDropOldest(t *testing.T) {
	buf := NewFrameBuffer(3)
	for i := int64(1); i <= 5; i++ {
		buf.Push(makeFrame(i))
	}
	require.Equal(t, 3, buf.Len())
	require.True(t, buf.Full())

	require.Equal(t, int64(3), buf.Pop().Number)
	require.Equal(t, int64(4), buf.Pop().Number)
	require.Equal(t, int64(5), buf.Pop().Number)
	require.Nil(t, buf.Pop())

	stats := buf.Stats()
	require.Equal(t, int64(5), stats.Pushed)
	require.Equal(t, int64(3), stats.Popped)
	require.Equal(t, int64(2), stats.Dropped)
}

func TestFrameBufferPeekLatest(t *testing.T) {
	buf := NewFrameBuffer(3)
	require.Nil(t, buf.PeekLatest())
	buf.Push(makeFrame(1))
	buf.Push(makeFrame(2))
	require.Equal(t, int64(2), buf.PeekLatest().Number)
	// Peek is non-destructive
	require.Equal(t, 2, buf.Len())
	require.Equal(t, int64(1), buf.Pop().Number)
}

func TestFrameBufferPopTimeout(t *testing.T) {
	buf := NewFrameBuffer(3)

	start := time.Now()
	require.Nil(t, buf.PopTimeout(20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		buf.Push(makeFrame(7))
	}()
	frame := buf.PopTimeout(time.Second)
	require.NotNil(t, frame)
	require.Equal(t, int64(7), frame.Number)
}

// For any sequence of pushes and pops on a buffer of capacity C, size never
// exceeds C and pushed = popped + dropped + size.
func TestFrameBufferCounterIdentity(t *testing.T) {
	const capacity = 4
	buf := NewFrameBuffer(capacity)
	rng := rand.New(rand.NewSource(42))

	var number int64
	for i := 0; i < 10000; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			number++
			buf.Push(makeFrame(number))
		case 2:
			buf.Pop()
		case 3:
			if rng.Intn(50) == 0 {
				buf.Clear()
			}
		}
		size := buf.Len()
		require.LessOrEqual(t, size, capacity)
		stats := buf.Stats()
		require.Equal(t, stats.Pushed, stats.Popped+stats.Dropped+int64(size))
	}
}

func TestFrameBufferConcurrent(t *testing.T) {
	buf := NewFrameBuffer(8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 1000; i++ {
			buf.Push(makeFrame(i))
		}
	}()

	popped := int64(0)
	deadline := time.Now().Add(5 * time.Second)
	var last int64 = 0
	for time.Now().Before(deadline) {
		frame := buf.PopTimeout(10 * time.Millisecond)
		if frame == nil {
			break
		}
		// FIFO ordering survives drops: numbers are strictly increasing
		require.Greater(t, frame.Number, last)
		last = frame.Number
		popped++
	}
	wg.Wait()

	stats := buf.Stats()
	require.Equal(t, int64(1000), stats.Pushed)
	require.Equal(t, stats.Pushed, stats.Popped+stats.Dropped+int64(buf.Len()))
}
