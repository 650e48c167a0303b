package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// TestPayloadEncoding tests payload encode/decode for representative vectors
func TestPayloadEncoding(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
	}{
		{name: "empty server payload", values: []float64{}},
		{name: "single value", values: []float64{42}},
		{name: "mixed values", values: []float64{1, 2.5, -3, 0, 1e12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePayload(EncodePayload(tt.values))
			require.NoError(t, err)
			assert.Equal(t, tt.values, got)
		})
	}
}

// TestDecodePayloadRejectsBadInput tests version and framing checks
func TestDecodePayloadRejectsBadInput(t *testing.T) {
	future := protowire.AppendTag(nil, payloadFieldVersion, protowire.VarintType)
	future = protowire.AppendVarint(future, PayloadVersion+1)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "missing version", data: []byte{}},
		{name: "future version", data: future},
		{name: "truncated", data: EncodePayload([]float64{1, 2})[:7]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.data)
			assert.ErrorIs(t, err, ErrPayloadEncoding)
		})
	}
}

// TestTickOf tests wall-clock to tick conversion
func TestTickOf(t *testing.T) {
	assert.Equal(t, int64(1000), TickOf(1000.7, time.Second))
	assert.Equal(t, int64(500), TickOf(1000.7, 2*time.Second))
	assert.Equal(t, int64(2001), TickOf(1000.7, 500*time.Millisecond))
}

// TestTickStart tests epoch-aligned tick boundaries
func TestTickStart(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		tick time.Duration
		want time.Time
	}{
		{name: "second", at: time.Unix(1000, 700e6), tick: time.Second, want: time.Unix(1000, 0)},
		{name: "seven seconds", at: time.Unix(1000, 700e6), tick: 7 * time.Second, want: time.Unix(994, 0)},
		{name: "on boundary", at: time.Unix(1001, 0), tick: 7 * time.Second, want: time.Unix(1001, 0)},
		{name: "sub-second", at: time.Unix(1000, 700e6), tick: 300 * time.Millisecond, want: time.Unix(1000, 500e6)},
		{name: "before epoch", at: time.Unix(-1, 500e6), tick: time.Second, want: time.Unix(-1, 0)},
		{name: "before epoch on boundary", at: time.Unix(-7, 0), tick: 7 * time.Second, want: time.Unix(-7, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TickStart(tt.at, tt.tick)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
			assert.Equal(t, TickOf(UnixSeconds(tt.at), tt.tick)*int64(tt.tick), got.UnixNano())
		})
	}
}

// TestClientIDs tests node id ordering helpers
func TestClientIDs(t *testing.T) {
	nodes := []Node{
		{ID: 5, Role: NodeRoleClient},
		{ID: 0, Role: NodeRoleServer},
		{ID: 2, Role: NodeRoleClient},
	}

	assert.Equal(t, []int64{2, 5}, ClientIDs(nodes))
	assert.Equal(t, []int64{0, 2, 5}, NodeIDs(nodes))
}

// TestActionFlatten tests the controller view of an action
func TestActionFlatten(t *testing.T) {
	a := Action{ID: 3, Values: []float64{9, 12345}}
	assert.Equal(t, []float64{3, 9, 12345}, a.Flatten())
}
