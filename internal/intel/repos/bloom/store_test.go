package bloom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-intel/internal/intel/common/blobcodec"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

func buildRaw(t *testing.T, values ...string) []byte {
	t.Helper()
	f := bitsbloom.NewWithEstimates(1000, 0.001)
	for _, v := range values {
		f.AddString(v)
	}
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func buildPayload(t *testing.T, values ...string) []byte {
	t.Helper()
	p, err := blobcodec.Encode(buildRaw(t, values...))
	require.NoError(t, err)
	return p
}

func TestStore_LoadAndTest(t *testing.T) {
	s := NewStore(Options{})
	entry := domain.BloomEntry{Prefix: "strict"}

	assert.False(t, s.Test("strict", "evil.com"), "no filter fails open")

	require.NoError(t, s.Load(entry, buildPayload(t, "evil.com", "bad.org")))
	assert.True(t, s.Test("strict", "evil.com"))
	assert.True(t, s.Test("strict", "bad.org"))
	assert.False(t, s.Test("strict", "good.net"))
	assert.False(t, s.Test("other", "evil.com"))
	assert.True(t, s.TestAny("bad.org"))
	assert.Equal(t, []string{"strict"}, s.Prefixes())
}

func TestStore_JSONPayload(t *testing.T) {
	f := bitsbloom.NewWithEstimates(100, 0.01)
	f.AddString("json.example")
	js, err := f.MarshalJSON()
	require.NoError(t, err)

	s := NewStore(Options{})
	require.NoError(t, s.LoadDecoded(domain.BloomEntry{Prefix: "j"}, js))
	assert.True(t, s.Test("j", "json.example"))
}

func TestStore_MalformedKeepsPrevious(t *testing.T) {
	s := NewStore(Options{})
	entry := domain.BloomEntry{Prefix: "strict"}
	require.NoError(t, s.Load(entry, buildPayload(t, "evil.com")))

	assert.Error(t, s.Load(entry, []byte("%%% not base64 at all %%%")))
	assert.Error(t, s.Load(entry, []byte("short")))

	tiny, err := blobcodec.Encode([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Error(t, s.Load(entry, tiny))
	assert.Error(t, s.LoadDecoded(entry, []byte("{not json")))

	huge := make([]byte, 32)
	binary.BigEndian.PutUint64(huge[0:8], 1<<62)
	binary.BigEndian.PutUint64(huge[8:16], 3)
	binary.BigEndian.PutUint64(huge[16:24], 1<<62)
	hostile, err := blobcodec.Encode(huge)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, s.Load(entry, hostile), ErrBadHeader)
	})

	// body too short for the declared bitset
	truncated := buildRaw(t, "x.com")
	assert.ErrorIs(t, s.LoadDecoded(entry, truncated[:len(truncated)-8]), ErrBadHeader)

	// hash count that would spin every lookup
	spin := buildRaw(t, "x.com")
	binary.BigEndian.PutUint64(spin[8:16], 1<<40)
	assert.ErrorIs(t, s.LoadDecoded(entry, spin), ErrBadHeader)

	assert.True(t, s.Test("strict", "evil.com"), "previous filter retained")
}

func TestStore_ReplaceIsWholesale(t *testing.T) {
	s := NewStore(Options{})
	entry := domain.BloomEntry{Prefix: "strict"}
	require.NoError(t, s.Load(entry, buildPayload(t, "old.com")))
	require.NoError(t, s.Load(entry, buildPayload(t, "new.com")))

	assert.True(t, s.Test("strict", "new.com"))
	assert.False(t, s.Test("strict", "old.com"))
}

func TestStore_ShapeMismatchStillLoads(t *testing.T) {
	s := NewStore(Options{})
	entry := domain.BloomEntry{Prefix: "strict", Bits: 1, Hashes: 1}
	require.NoError(t, s.Load(entry, buildPayload(t, "evil.com")))
	assert.True(t, s.Test("strict", "evil.com"))
}

func TestStore_Remove(t *testing.T) {
	s := NewStore(Options{})
	require.NoError(t, s.Load(domain.BloomEntry{Prefix: "a"}, buildPayload(t, "x.com")))
	require.NoError(t, s.Load(domain.BloomEntry{Prefix: "b"}, buildPayload(t, "y.com")))
	s.Remove("a")
	s.Remove("missing")

	assert.False(t, s.Test("a", "x.com"))
	assert.True(t, s.Test("b", "y.com"))
	assert.Equal(t, []string{"b"}, s.Prefixes())
}

func TestStore_ConcurrentReadsDuringLoads(t *testing.T) {
	s := NewStore(Options{})
	payloads := [][]byte{buildPayload(t, "a.com"), buildPayload(t, "b.com")}

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Load(domain.BloomEntry{Prefix: fmt.Sprintf("p%d", i%3)}, payloads[i%2])
		}
		close(done)
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = s.TestAny("a.com")
					_ = s.Test("p1", "b.com")
				}
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.Prefixes(), 3)
}

func BenchmarkStore_Test(b *testing.B) {
	f := bitsbloom.NewWithEstimates(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.AddString(fmt.Sprintf("d%03d.bench.test", i))
	}
	var buf bytes.Buffer
	_, _ = f.WriteTo(&buf)
	s := NewStore(Options{})
	_ = s.LoadDecoded(domain.BloomEntry{Prefix: "bench"}, buf.Bytes())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Test("bench", "d500.bench.test")
	}
}
