package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicWriteAndPeek(t *testing.T) {
	rb := New(10)
	tmp := make([]byte, 50)
	for i := range tmp {
		tmp[i] = byte(i)
	}

	require.True(t, rb.Write(tmp[:5]))
	require.True(t, rb.Write(tmp[:5]))
	require.True(t, rb.Write(tmp[:5]))
	require.Equal(t, 15, rb.Used())

	chunks := rb.Peek(10)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Data, 10)
	rb.CommitRead(len(chunks[0].Data))

	for i, b := range chunks[0].Data {
		require.Equal(t, byte(i%5), b)
	}
	require.Equal(t, 5, rb.Used())
}

func TestPeekSplitsAcrossWrap(t *testing.T) {
	rb := New(10)
	tmp := make([]byte, 50)
	for i := range tmp {
		tmp[i] = byte(i)
	}

	require.True(t, rb.Write(tmp[:5]))
	require.True(t, rb.Write(tmp[:5]))
	require.True(t, rb.Write(tmp[:5]))
	chunks := rb.Peek(10)
	rb.CommitRead(10)

	require.True(t, rb.Write(tmp[:6]))
	chunks = rb.Peek(11)
	require.Len(t, chunks, 2)
	require.Equal(t, 10, len(chunks[0].Data))
	require.Equal(t, 1, len(chunks[1].Data))
	rb.CommitRead(11)
}

func TestPeekWithNothingToRead(t *testing.T) {
	rb := New(10)
	require.Nil(t, rb.Peek(10))
}

func TestEnsureLinearWriteDoesNotGrowUnnecessarily(t *testing.T) {
	rb := New(10)
	tmp := make([]byte, 50)

	for i := 0; i < 1000; i++ {
		span := rb.EnsureLinearWrite(50)
		require.NotNil(t, span)
		copy(span, tmp)
		require.True(t, rb.CommitWritten(50))
	}
	// Doubling from 10 stops at the first capacity holding all 50000
	// bytes (81920), which is below twice that amount.
	require.Less(t, rb.Capacity(), 2*50*1000)
	for i := 0; i < 1000; i++ {
		rb.CommitRead(25)
	}
	for i := 0; i < 1000; i++ {
		rb.CommitRead(25)
	}

	require.Equal(t, 0, rb.Used())
}

func TestFreeSizeComputedCorrectly(t *testing.T) {
	rb := New(10)
	tmp := make([]byte, 50)

	for i := 0; i < 1000; i++ {
		span := rb.EnsureLinearWrite(50)
		copy(span, tmp)
		require.True(t, rb.CommitWritten(50))
	}
	rb.CommitRead(50 * 1000)
	require.Equal(t, 0, rb.Used())
}

// TestScenarioWrap mirrors spec Scenario 1: init(5); write([0,1,2,3]);
// commit_read(2); write([5,6]); peek -> chunks [2,3,5] and [6]; commit_read(3);
// used == 1; remaining byte is 6.
func TestScenarioWrap(t *testing.T) {
	rb := New(5)
	require.True(t, rb.Write([]byte{0, 1, 2, 3}))
	rb.CommitRead(2)
	require.True(t, rb.Write([]byte{5, 6}))

	chunks := rb.Peek(10)
	require.Len(t, chunks, 2)
	require.Equal(t, []byte{2, 3, 5}, chunks[0].Data)
	require.Equal(t, []byte{6}, chunks[1].Data)

	rb.CommitRead(3)
	require.Equal(t, 1, rb.Used())

	remaining := rb.Peek(1)
	require.Len(t, remaining, 1)
	require.Equal(t, byte(6), remaining[0].Data[0])
}

// TestInterleavedReserveAndReadStabilizesCapacity exercises spec property 3:
// once writers and readers run at the same rate, capacity reaches a minimum
// sufficient value and stops growing.
func TestInterleavedReserveAndReadStabilizesCapacity(t *testing.T) {
	rb := New(10)
	tmp := make([]byte, 50)

	for i := 0; i < 1000; i++ {
		span := rb.EnsureLinearWrite(50)
		copy(span, tmp)
		require.True(t, rb.CommitWritten(50))
		rb.CommitRead(25)
	}

	stable := rb.Capacity()
	for i := 0; i < 100; i++ {
		span := rb.EnsureLinearWrite(50)
		copy(span, tmp)
		require.True(t, rb.CommitWritten(50))
		rb.CommitRead(50)
		require.Equal(t, stable, rb.Capacity())
	}
}

func TestCapacityNeverShrinks(t *testing.T) {
	rb := New(4)
	require.True(t, rb.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	grown := rb.Capacity()
	require.GreaterOrEqual(t, grown, 8)

	rb.CommitRead(8)
	require.Equal(t, 0, rb.Used())
	require.Equal(t, grown, rb.Capacity())
}

func TestCommitReadSaturatesAtUsed(t *testing.T) {
	rb := New(10)
	rb.Write([]byte{1, 2, 3})
	rb.CommitRead(100)
	require.Equal(t, 0, rb.Used())
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	rb := New(8)
	var written, read []byte

	in := make([]byte, 37)
	for i := range in {
		in[i] = byte(i)
	}

	for off := 0; off < len(in); off += 7 {
		end := off + 7
		if end > len(in) {
			end = len(in)
		}
		require.True(t, rb.Write(in[off:end]))
		written = append(written, in[off:end]...)

		if chunks := rb.Peek(3); chunks != nil {
			for _, c := range chunks {
				read = append(read, c.Data...)
			}
			rb.CommitRead(3)
		}
	}
	for {
		chunks := rb.Peek(1 << 20)
		if chunks == nil {
			break
		}
		for _, c := range chunks {
			read = append(read, c.Data...)
		}
		rb.CommitRead(1 << 20)
	}

	require.Equal(t, written, read)
}
