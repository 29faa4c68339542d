package findnet

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testID(first, last byte) ID {
	var id ID
	id[0] = first
	id[len(id)-1] = last
	return id
}

func TestID_Parse(t *testing.T) {
	canonical := "00" + strings.Repeat("ab", 31)

	t.Run("canonical form is kept", func(t *testing.T) {
		id, err := ParseID(canonical)
		require.NoError(t, err)
		require.Equal(t, canonical, id.String())
	})

	t.Run("upper case is normalised", func(t *testing.T) {
		id, err := ParseID(strings.ToUpper(canonical))
		require.NoError(t, err)
		require.Equal(t, canonical, id.String())
	})

	t.Run("short and long ids are rejected, never padded or truncated", func(t *testing.T) {
		_, err := ParseID(canonical[:IDLength-1])
		require.ErrorIs(t, err, ErrInvalidID)
		_, err = ParseID(canonical + "0")
		require.ErrorIs(t, err, ErrInvalidID)
		_, err = ParseID("")
		require.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("non hexadecimal ids are rejected", func(t *testing.T) {
		_, err := ParseID("zz" + canonical[2:])
		require.ErrorIs(t, err, ErrInvalidID)
	})
}

func TestID_JSON(t *testing.T) {
	id := testID(0xde, 0xad)
	buf, err := json.Marshal(Answer{Kind: AnswerHas, ID: id})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"HAS","id":"`+id.String()+`"}`, string(buf))

	var answer Answer
	require.NoError(t, json.Unmarshal(buf, &answer))
	require.Equal(t, id, answer.ID)

	err = json.Unmarshal([]byte(`{"kind":"HAS","id":"abc"}`), &answer)
	require.ErrorIs(t, err, ErrInvalidID, "malformed ids must be rejected when decoding")
}

func TestBucketIndex(t *testing.T) {
	x := testID(0x12, 0x34)

	require.Equal(t, IDBits, BucketIndex(x, x), "identical ids have no differing bit")

	t.Run("first differing bit, most significant first", func(t *testing.T) {
		var a, b ID
		b[0] = 0x80
		require.Equal(t, 0, BucketIndex(a, b))

		b = ID{}
		b[1] = 0x10
		require.Equal(t, 11, BucketIndex(a, b))

		b = ID{}
		b[31] = 0x01
		require.Equal(t, 255, BucketIndex(a, b))
	})

	t.Run("swapping local and peer gives the same index", func(t *testing.T) {
		y := testID(0x13, 0x00)
		require.Equal(t, BucketIndex(x, y), BucketIndex(y, x))
	})

	t.Run("complementing both ids keeps the index", func(t *testing.T) {
		y := testID(0x1f, 0x00)
		var cx, cy ID
		for i := range x {
			cx[i] = ^x[i]
			cy[i] = ^y[i]
		}
		require.Equal(t, BucketIndex(x, y), BucketIndex(cx, cy))
	})
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("STORAGE")
	require.NoError(t, err)
	require.Equal(t, KindStorage, kind)

	_, err = ParseKind("broker")
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestKind_UnmarshalText(t *testing.T) {
	var record struct {
		Kind Kind `json:"kind"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"Find"}`), &record))
	require.Equal(t, KindFind, record.Kind)

	require.NoError(t, json.Unmarshal([]byte(`{"kind":""}`), &record))
	require.Equal(t, KindUnknown, record.Kind)

	err := json.Unmarshal([]byte(`{"kind":"broker"}`), &record)
	require.ErrorIs(t, err, ErrInvalidKind)
}
