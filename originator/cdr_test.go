package originator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCDR_LatencyAccessors(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	row := CDR{
		OriginatedAt: base,
		CreatedAt:    base.Add(100 * time.Millisecond),
		AnsweredAt:   base.Add(500 * time.Millisecond),
		HungupAt:     base.Add(10 * time.Second),
	}

	assert.Equal(t, 100*time.Millisecond, row.InviteLatency())
	assert.Equal(t, 400*time.Millisecond, row.AnswerLatency())
	assert.Equal(t, 500*time.Millisecond, row.CallSetupLatency())
	assert.Equal(t, 9500*time.Millisecond, row.HoldDuration())
}

func TestCDR_ZeroTimestampsYieldZeroLatency(t *testing.T) {
	var row CDR
	assert.Zero(t, row.InviteLatency())
	assert.Zero(t, row.AnswerLatency())
	assert.Zero(t, row.CallSetupLatency())
	assert.Zero(t, row.HoldDuration())
}

func TestStore_AppendAndSnapshot(t *testing.T) {
	s := NewStore()
	s.Append(CDR{SessionUUID: "a"})
	s.Append(CDR{SessionUUID: "b"})

	rows := s.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].SessionUUID)
	assert.Equal(t, 2, s.Len())

	// Rows() must return an independent copy.
	rows[0].SessionUUID = "mutated"
	assert.Equal(t, "a", s.Rows()[0].SessionUUID)
}

func TestStore_EffectiveRate(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Zero(t, s.EffectiveRate(), "fewer than two rows yields zero")

	s.Append(CDR{OriginatedAt: base})
	s.Append(CDR{OriginatedAt: base.Add(1 * time.Second)})
	s.Append(CDR{OriginatedAt: base.Add(2 * time.Second)})

	assert.InDelta(t, 1.0, s.EffectiveRate(), 0.01)
}

func TestStore_WriteCSV(t *testing.T) {
	s := NewStore()
	s.Append(CDR{SessionUUID: "sess-1", CallUUID: "call-1", HangupCause: "NORMAL_CLEARING", ActiveAtHangup: 4, ErlangEstimate: 2.5})

	var buf strings.Builder
	require.NoError(t, s.WriteCSV(&buf))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "session_uuid,call_uuid,"))
	assert.Contains(t, out, "sess-1,call-1,NORMAL_CLEARING")
	assert.Contains(t, out, "4,2.50")
}

func TestStore_WriteCSV_PeerTimestamps(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore()
	s.Append(CDR{
		SessionUUID:    "sess-1",
		PeerCreatedAt:  base,
		PeerAnsweredAt: base.Add(200 * time.Millisecond),
	})

	var buf strings.Builder
	require.NoError(t, s.WriteCSV(&buf))

	header, row, _ := strings.Cut(buf.String(), "\n")
	assert.Contains(t, header, "peer_created_at,peer_answered_at")
	assert.Contains(t, row, base.Format(time.RFC3339Nano))
	assert.Contains(t, row, base.Add(200*time.Millisecond).Format(time.RFC3339Nano))
}
