package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikrodb/mikrodb/internal/value"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	records := []Record{
		{Key: "u1", Value: value.FromNative(map[string]interface{}{"name": "Jane"}), Version: 2, Timestamp: 100, Expiration: 0},
		{Key: "u2", Value: value.String("plain"), Version: 1, Timestamp: 200, Expiration: 0},
		{Key: "u3", Value: value.Array([]value.Value{value.I32(1), value.I32(2)}), Version: 1, Timestamp: 300, Expiration: 0},
	}

	encoded := Encode(records)
	decoded, err := Decode(encoded, 0)
	require.NoError(t, err)
	require.Len(t, decoded, 3)

	for i, r := range records {
		assert.Equal(t, r.Key, decoded[i].Key)
		assert.Equal(t, r.Version, decoded[i].Version)
		assert.True(t, value.Equal(r.Value, decoded[i].Value))
	}
}

func TestDecode_DropsExpiredRecords(t *testing.T) {
	records := []Record{
		{Key: "expired", Value: value.I32(1), Version: 1, Timestamp: 1, Expiration: 500},
		{Key: "alive", Value: value.I32(2), Version: 1, Timestamp: 1, Expiration: 0},
	}
	encoded := Encode(records)

	decoded, err := Decode(encoded, 1000)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "alive", decoded[0].Key)
}

func TestDecode_BadMagicIsFatal(t *testing.T) {
	_, err := Decode([]byte("not a valid header!!"), 0)
	assert.Error(t, err)
}

func TestDecode_TruncatedFileStopsSilently(t *testing.T) {
	records := []Record{
		{Key: "a", Value: value.String("x"), Version: 1, Timestamp: 1},
		{Key: "b", Value: value.String("y"), Version: 1, Timestamp: 1},
	}
	encoded := Encode(records)

	truncated := encoded[:len(encoded)-3]
	decoded, err := Decode(truncated, 0)
	require.NoError(t, err)
	assert.Len(t, decoded, 1, "only the fully-written record should survive truncation")
}

func TestEncode_SkipsInvalidUTF8Keys(t *testing.T) {
	records := []Record{
		{Key: string([]byte{0xff, 0xfe}), Value: value.I32(1), Version: 1},
		{Key: "valid", Value: value.I32(2), Version: 1},
	}
	encoded := Encode(records)
	decoded, err := Decode(encoded, 0)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "valid", decoded[0].Key)
}

func TestEncodeDecode_NestedValues(t *testing.T) {
	v := value.Object([]value.Member{
		{Key: "tags", Value: value.Array([]value.Value{value.String("a"), value.String("b")})},
		{Key: "active", Value: value.Bool(true)},
		{Key: "score", Value: value.F64(3.5)},
		{Key: "created", Value: value.Date(1700000000000)},
	})
	encoded := Encode([]Record{{Key: "k", Value: v, Version: 1}})
	decoded, err := Decode(encoded, 0)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.True(t, value.Equal(v, decoded[0].Value))
}
