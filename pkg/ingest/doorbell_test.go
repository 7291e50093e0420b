package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacket(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Packet
	}{
		{
			name: "pipe word",
			raw:  "CHAT|1700000000000",
			want: Packet{Category: "CHAT", CommitTS: 1700000000000},
		},
		{
			name: "pipe numeric token",
			raw:  "101|1700000000000",
			want: Packet{Category: "CHAT", CommitTS: 1700000000000},
		},
		{
			name: "pipe lowercase word",
			raw:  "redeem|42",
			want: Packet{Category: "REDEEM", CommitTS: 42},
		},
		{
			name: "pipe with seq suffix",
			raw:  "BITS|1700000000000|7",
			want: Packet{Category: "BITS", CommitTS: 1700000000000, Seq: 7, HasSeq: true},
		},
		{
			name: "pipe tolerates spaces",
			raw:  " CHAT | 1700000000000 ",
			want: Packet{Category: "CHAT", CommitTS: 1700000000000},
		},
		{
			name: "packed chat",
			raw:  "1011700000000000",
			want: Packet{Category: "CHAT", CommitTS: 1700000000000},
		},
		{
			name: "packed hype",
			raw:  "1121699999999999",
			want: Packet{Category: "HYPE", CommitTS: 1699999999999},
		},
		{
			// Shape-only: membership is checked downstream where the
			// variable index can extend the set.
			name: "pipe unknown word passes shape check",
			raw:  "wibble|5",
			want: Packet{Category: "WIBBLE", CommitTS: 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePacket(tt.raw)
			require.NoError(t, err)
			got.Raw = ""
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePacket_Malformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"CHAT",
		"CHAT|",
		"CHAT|abc",
		"CHAT|0",
		"CHAT|-5",
		"CHAT|1|2|3",
		"CHAT|1|x",
		"101",
		"9991700000000000",
		"hello",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParsePacket(raw)
			assert.ErrorIs(t, err, ErrPacketInvalid, "raw=%q", raw)
		})
	}
}
