package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheMetadata_IsComplete(t *testing.T) {
	var nilMeta *CacheMetadata
	assert.False(t, nilMeta.IsComplete())
	assert.False(t, (&CacheMetadata{Updated: 1}).IsComplete())
	assert.False(t, (&CacheMetadata{Sha256Sum: "ab"}).IsComplete())
	assert.True(t, (&CacheMetadata{Updated: 1, Sha256Sum: "ab"}).IsComplete())
}

func TestCacheMetadata_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	day := int64(24 * 60 * 60)

	tests := []struct {
		name    string
		updated int64
		days    int
		want    bool
	}{
		{"fresh", now.Unix(), 30, false},
		{"exactly at limit", now.Unix() - 30*day, 30, false},
		{"past limit", now.Unix() - 31*day, 30, true},
		{"expiry disabled", now.Unix() - 365*day, 0, false},
		{"future timestamp", now.Unix() + day, 30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &CacheMetadata{Updated: tt.updated, Sha256Sum: "x"}
			assert.Equal(t, tt.want, m.Expired(now, tt.days))
		})
	}
}

func TestCacheMetadata_SameContent(t *testing.T) {
	a := &CacheMetadata{Updated: 1, Sha256Sum: "ABCD"}
	assert.True(t, a.SameContent(&CacheMetadata{Updated: 2, Sha256Sum: "abcd"}))
	assert.False(t, a.SameContent(&CacheMetadata{Sha256Sum: "ef"}))
	assert.False(t, a.SameContent(nil))
	assert.False(t, (&CacheMetadata{}).SameContent(&CacheMetadata{}))
}

func TestIntelRecord_Covers(t *testing.T) {
	r := IntelRecord{Domain: "example.com"}
	assert.True(t, r.Covers("example.com"))
	assert.True(t, r.Covers("www.example.com"))
	assert.False(t, r.Covers("badexample.com"))
	assert.False(t, r.Covers("com"))
	assert.False(t, IntelRecord{}.Covers("example.com"))
}

func TestIntelRecord_IsExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.False(t, IntelRecord{}.IsExpired(now))
	assert.True(t, IntelRecord{ExpiresAt: now}.IsExpired(now))
	assert.False(t, IntelRecord{ExpiresAt: now.Add(time.Second)}.IsExpired(now))
}

func TestSortBySpecificity_StableLongestFirst(t *testing.T) {
	recs := []IntelRecord{
		{Domain: "example.com", Category: "a"},
		{Domain: "a.example.com", Category: "b"},
		{Domain: "b.example.com", Category: "c"},
		{Domain: "deep.a.example.com", Category: "d"},
	}
	SortBySpecificity(recs)
	got := []string{}
	for _, r := range recs {
		got = append(got, r.Category)
	}
	assert.Equal(t, []string{"d", "b", "c", "a"}, got)
}

func TestMostSpecific(t *testing.T) {
	recs := []IntelRecord{
		{Domain: "example.com", Category: CategoryGood},
		{Domain: "ads.example.com", Category: CategoryIntel},
	}
	SortBySpecificity(recs)

	r, ok := MostSpecific(recs, "x.ads.example.com")
	require.True(t, ok)
	assert.Equal(t, "ads.example.com", r.Domain)

	r, ok = MostSpecific(recs, "www.example.com")
	require.True(t, ok)
	assert.Equal(t, "example.com", r.Domain)

	_, ok = MostSpecific(recs, "other.org")
	assert.False(t, ok)
}

func TestQueryEvent(t *testing.T) {
	e := QueryEvent{MAC: "AA:BB:CC:DD:EE:FF", IP4: "10.0.0.2", IP6: "fe80::1", Domain: "a.com"}
	assert.Equal(t, "10.0.0.2", e.SourceIP())
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", e.NormalizedMAC())
	assert.False(t, e.HasBloomMatch())

	e = QueryEvent{MAC: "nope", IP6: "fe80::1", BFPath: "/x"}
	assert.Equal(t, "fe80::1", e.SourceIP())
	assert.Equal(t, "", e.NormalizedMAC())
	assert.True(t, e.HasBloomMatch())
}

func TestVerdictAndStageStrings(t *testing.T) {
	assert.Equal(t, "allow", VerdictAllow.String())
	assert.Equal(t, "block", VerdictBlock.String())
	assert.Equal(t, "none", VerdictNone.String())
	assert.Equal(t, "Verdict(9)", Verdict(9).String())
	assert.Equal(t, "bloom_negative", StageBloomNegative.String())
	assert.Equal(t, "Stage(42)", Stage(42).String())
}

func TestAlarmFingerprint(t *testing.T) {
	a := Alarm{Type: AlarmTypeIntel, Device: Device{ID: "aa:bb"}, Domain: "bad.com"}
	assert.Equal(t, "ALARM_INTEL:aa:bb:bad.com", a.Fingerprint())
	p := PseudoDevice("10.8.0.2")
	assert.Equal(t, "ip:10.8.0.2", p.ID)
	assert.True(t, p.Pseudo)
}

func TestParseBloomSpec(t *testing.T) {
	e, err := ParseBloomSpec(" strict:1000000:0.0001 ")
	require.NoError(t, err)
	assert.Equal(t, "strict", e.Prefix)
	assert.Equal(t, uint64(1000000), e.Count)
	assert.InDelta(t, 0.0001, e.ErrorRate, 1e-12)
	assert.Equal(t, "bf:strict:1000000:0.0001", e.CacheKey())
	assert.Equal(t, "strict.bf.data", e.DataFile())

	for _, bad := range []string{"", "a:b", "a:0:0.1", "a:10:1", "a:10:0", "/x:10:0.1", ":10:0.1", "a:ten:0.1"} {
		_, err := ParseBloomSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestTargets(t *testing.T) {
	assert.Equal(t, "policy:global", GlobalTarget().Key())
	assert.Equal(t, "policy:device:aa:bb", DeviceTarget("aa:bb").Key())
	assert.Equal(t, "identity", TargetIdentity.String())

	got := TargetsFor(Device{MAC: "aa:bb", Tags: []string{"1"}, Network: "lan"})
	assert.Equal(t, []Target{GlobalTarget(), TagTarget("1"), NetworkTarget("lan"), DeviceTarget("aa:bb")}, got)

	got = TargetsFor(PseudoDevice("10.8.0.2"))
	assert.Equal(t, []Target{GlobalTarget(), IdentityTarget("10.8.0.2")}, got)
}
