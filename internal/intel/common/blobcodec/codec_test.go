package blobcodec

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	raw := bytes.Repeat([]byte("bad.example.com\n"), 64)
	enc, err := Encode(raw)
	require.NoError(t, err)

	got, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDecode_TrimsWhitespace(t *testing.T) {
	enc, err := Encode([]byte("payload"))
	require.NoError(t, err)

	got, err := Decode(append(append([]byte("\n "), enc...), '\n'))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"too short", []byte("abc")},
		{"not base64", []byte("!!!!not-base64!!!!")},
		{"base64 but not zlib", []byte(base64.StdEncoding.EncodeToString([]byte("plain text, no zlib header")))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			assert.Error(t, err)
		})
	}
}

func TestDecode_TooShortSentinel(t *testing.T) {
	_, err := Decode([]byte("short"))
	assert.ErrorIs(t, err, ErrPayloadTooShort)
}

func TestDecode_Truncated(t *testing.T) {
	enc, err := Encode(bytes.Repeat([]byte{0xAB, 0xCD}, 4096))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(string(enc))
	require.NoError(t, err)
	truncated := base64.StdEncoding.EncodeToString(raw[:len(raw)/2])

	_, err = Decode([]byte(truncated))
	assert.Error(t, err)
}
