package lavalink

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePlayCommand(t *testing.T) {
	data, err := Encode(NewPlayCommand("guild-1", "encoded-blob", 5000))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "play", decoded["op"])
	assert.Equal(t, "guild-1", decoded["guildId"])
	assert.Equal(t, "encoded-blob", decoded["track"])
	assert.Equal(t, float64(5000), decoded["startTimeMs"])
}

func TestEncodeVoiceUpdateCommand(t *testing.T) {
	data, err := Encode(NewVoiceUpdateCommand("guild-1", "sess", "tok", "endpoint.example"))
	require.NoError(t, err)

	var decoded struct {
		Op        string `json:"op"`
		GuildID   string `json:"guildId"`
		SessionID string `json:"sessionId"`
		Event     struct {
			Token    string `json:"token"`
			Endpoint string `json:"endpoint"`
		} `json:"event"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "voiceUpdate", decoded.Op)
	assert.Equal(t, "sess", decoded.SessionID)
	assert.Equal(t, "tok", decoded.Event.Token)
	assert.Equal(t, "endpoint.example", decoded.Event.Endpoint)
}

func TestDecodeReady(t *testing.T) {
	msg, err := Decode([]byte(`{"op":"ready","resumed":true,"sessionId":"abc123"}`))
	require.NoError(t, err)

	ready, ok := msg.(*ReadyMessage)
	require.True(t, ok)
	assert.True(t, ready.Resumed)
	assert.Equal(t, "abc123", ready.SessionID)
}

func TestDecodeReadyWithoutSessionID(t *testing.T) {
	_, err := Decode([]byte(`{"op":"ready","resumed":false}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodePlayerUpdate(t *testing.T) {
	msg, err := Decode([]byte(`{"op":"playerUpdate","guildId":"g1","state":{"positionMs":32000,"timestamp":1700000000000,"connected":true}}`))
	require.NoError(t, err)

	update, ok := msg.(*PlayerUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, "g1", update.GuildID)
	assert.Equal(t, int64(32000), update.State.PositionMs)
	assert.True(t, update.State.Connected)
}

func TestDecodeStats(t *testing.T) {
	msg, err := Decode([]byte(`{"op":"stats","players":4,"playingPlayers":2,"uptime":12345,"cpu":{"cores":8,"systemLoad":0.25,"lavalinkLoad":0.1}}`))
	require.NoError(t, err)

	stats, ok := msg.(*StatsMessage)
	require.True(t, ok)
	assert.Equal(t, 4, stats.Players)
	assert.Equal(t, 2, stats.PlayingPlayers)
	assert.Equal(t, 8, stats.CPU.Cores)
}

func TestDecodeEvents(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		check func(t *testing.T, msg Message)
	}{
		{
			name:  "track start",
			frame: `{"op":"event","type":"TrackStartEvent","guildId":"g1","track":"blob"}`,
			check: func(t *testing.T, msg Message) {
				evt, ok := msg.(*TrackStartEvent)
				require.True(t, ok)
				assert.Equal(t, "blob", evt.Track)
			},
		},
		{
			name:  "track end",
			frame: `{"op":"event","type":"TrackEndEvent","guildId":"g1","track":"blob","reason":"FINISHED"}`,
			check: func(t *testing.T, msg Message) {
				evt, ok := msg.(*TrackEndEvent)
				require.True(t, ok)
				assert.Equal(t, ReasonFinished, evt.Reason)
			},
		},
		{
			name:  "track exception",
			frame: `{"op":"event","type":"TrackExceptionEvent","guildId":"g1","track":"blob","message":"boom"}`,
			check: func(t *testing.T, msg Message) {
				evt, ok := msg.(*TrackExceptionEvent)
				require.True(t, ok)
				assert.Equal(t, "boom", evt.Message)
			},
		},
		{
			name:  "track stuck",
			frame: `{"op":"event","type":"TrackStuckEvent","guildId":"g1","track":"blob","thresholdMs":10000}`,
			check: func(t *testing.T, msg Message) {
				evt, ok := msg.(*TrackStuckEvent)
				require.True(t, ok)
				assert.Equal(t, int64(10000), evt.ThresholdMs)
			},
		},
		{
			name:  "websocket closed",
			frame: `{"op":"event","type":"WebSocketClosedEvent","guildId":"g1","code":4006,"reason":"session invalid","byRemote":true}`,
			check: func(t *testing.T, msg Message) {
				evt, ok := msg.(*WebSocketClosedEvent)
				require.True(t, ok)
				assert.Equal(t, 4006, evt.Code)
				assert.True(t, evt.ByRemote)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.frame))
			require.NoError(t, err)
			require.NotNil(t, msg)

			evt, ok := msg.(Event)
			require.True(t, ok)
			assert.Equal(t, "g1", evt.EventGuildID())
			tc.check(t, msg)
		})
	}
}

func TestDecodeUnknownOpIgnored(t *testing.T) {
	msg, err := Decode([]byte(`{"op":"somethingNew","payload":42}`))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDecodeUnknownEventTypeIgnored(t *testing.T) {
	msg, err := Decode([]byte(`{"op":"event","type":"BrandNewEvent","guildId":"g1"}`))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDecodeUnknownFieldsIgnored(t *testing.T) {
	msg, err := Decode([]byte(`{"op":"ready","sessionId":"s","resumed":false,"futureField":{"nested":true}}`))
	require.NoError(t, err)
	require.IsType(t, &ReadyMessage{}, msg)
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{
		`not json at all`,
		`{"op":"event","guildId":""}`,
		`{"op":"playerUpdate","state":{}}`,
	} {
		_, err := Decode([]byte(frame))
		require.Error(t, err, "frame %q", frame)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestTrackEndReasonMayAdvance(t *testing.T) {
	assert.True(t, ReasonFinished.MayAdvance())
	assert.True(t, ReasonLoadFailed.MayAdvance())
	assert.False(t, ReasonStopped.MayAdvance())
	assert.False(t, ReasonReplaced.MayAdvance())
	assert.False(t, ReasonCleanup.MayAdvance())
}
