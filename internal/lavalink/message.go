package lavalink

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a frame that could not be decoded. The caller logs and
// drops the frame; a corrupted frame never tears down the connection.
var ErrMalformed = errors.New("malformed frame")

// Command is an outbound control message for a node.
type Command interface {
	isCommand()
}

// Encode serializes an outbound command to a single JSON frame.
func Encode(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", cmd, err)
	}
	return data, nil
}

// PlayCommand starts playback of an encoded track.
type PlayCommand struct {
	Op          string `json:"op"`
	GuildID     string `json:"guildId"`
	Track       string `json:"track"`
	StartTimeMs int64  `json:"startTimeMs,omitempty"`
	EndTimeMs   int64  `json:"endTimeMs,omitempty"`
}

// StopCommand stops the current track without destroying the player.
type StopCommand struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

// PauseCommand pauses or resumes playback.
type PauseCommand struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	State   bool   `json:"state"`
}

// SeekCommand moves the playback position of the current track.
type SeekCommand struct {
	Op         string `json:"op"`
	GuildID    string `json:"guildId"`
	PositionMs int64  `json:"positionMs"`
}

// VolumeCommand sets the player volume.
type VolumeCommand struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Volume  int    `json:"volume"`
}

// VoiceUpdateCommand forwards Discord voice credentials to the node.
type VoiceUpdateCommand struct {
	Op        string     `json:"op"`
	GuildID   string     `json:"guildId"`
	SessionID string     `json:"sessionId"`
	Event     VoiceEvent `json:"event"`
}

// VoiceEvent carries the voice server token and endpoint.
type VoiceEvent struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
}

// ConfigureResumingCommand arms server-side session resuming.
type ConfigureResumingCommand struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Timeout int64  `json:"timeout"`
}

func (PlayCommand) isCommand()              {}
func (StopCommand) isCommand()              {}
func (PauseCommand) isCommand()             {}
func (SeekCommand) isCommand()              {}
func (VolumeCommand) isCommand()            {}
func (VoiceUpdateCommand) isCommand()       {}
func (ConfigureResumingCommand) isCommand() {}

func NewPlayCommand(guildID, track string, startTimeMs int64) PlayCommand {
	return PlayCommand{Op: "play", GuildID: guildID, Track: track, StartTimeMs: startTimeMs}
}

func NewStopCommand(guildID string) StopCommand {
	return StopCommand{Op: "stop", GuildID: guildID}
}

func NewPauseCommand(guildID string, state bool) PauseCommand {
	return PauseCommand{Op: "pause", GuildID: guildID, State: state}
}

func NewSeekCommand(guildID string, positionMs int64) SeekCommand {
	return SeekCommand{Op: "seek", GuildID: guildID, PositionMs: positionMs}
}

func NewVolumeCommand(guildID string, volume int) VolumeCommand {
	return VolumeCommand{Op: "volume", GuildID: guildID, Volume: volume}
}

func NewVoiceUpdateCommand(guildID, sessionID, token, endpoint string) VoiceUpdateCommand {
	return VoiceUpdateCommand{
		Op:        "voiceUpdate",
		GuildID:   guildID,
		SessionID: sessionID,
		Event:     VoiceEvent{Token: token, Endpoint: endpoint},
	}
}

func NewConfigureResumingCommand(key string, timeout int64) ConfigureResumingCommand {
	return ConfigureResumingCommand{Op: "configureResuming", Key: key, Timeout: timeout}
}

// Message is an inbound frame from a node. The concrete type is one of
// *ReadyMessage, *PlayerUpdateMessage, *StatsMessage or an Event.
type Message interface {
	isMessage()
}

// ReadyMessage confirms the session after the websocket handshake.
type ReadyMessage struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// PlayerUpdateMessage is the periodic position report for a guild player.
type PlayerUpdateMessage struct {
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// PlayerState is the payload of a player update.
type PlayerState struct {
	PositionMs int64 `json:"positionMs"`
	Timestamp  int64 `json:"timestamp"`
	Connected  bool  `json:"connected"`
}

// StatsMessage reports node load. Only node attributes are updated from
// it; stats never reach a player.
type StatsMessage struct {
	Players        int      `json:"players"`
	PlayingPlayers int      `json:"playingPlayers"`
	Uptime         int64    `json:"uptime"`
	CPU            CPUStats `json:"cpu"`
}

// CPUStats is the cpu section of a stats frame.
type CPUStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

func (*ReadyMessage) isMessage()        {}
func (*PlayerUpdateMessage) isMessage() {}
func (*StatsMessage) isMessage()        {}

// Event is a player-scoped lifecycle event, keyed by the guild it targets.
type Event interface {
	Message
	EventGuildID() string
}

// TrackEndReason explains why a track stopped.
type TrackEndReason string

const (
	ReasonFinished   TrackEndReason = "FINISHED"
	ReasonLoadFailed TrackEndReason = "LOAD_FAILED"
	ReasonStopped    TrackEndReason = "STOPPED"
	ReasonReplaced   TrackEndReason = "REPLACED"
	ReasonCleanup    TrackEndReason = "CLEANUP"
)

// MayAdvance reports whether the queue advances automatically for this
// reason. An explicit stop or replace never auto-advances.
func (r TrackEndReason) MayAdvance() bool {
	return r == ReasonFinished || r == ReasonLoadFailed
}

// TrackStartEvent signals a track began playing.
type TrackStartEvent struct {
	GuildID string `json:"guildId"`
	Track   string `json:"track"`
}

// TrackEndEvent signals a track finished, with the reason.
type TrackEndEvent struct {
	GuildID string         `json:"guildId"`
	Track   string         `json:"track"`
	Reason  TrackEndReason `json:"reason"`
}

// TrackExceptionEvent signals a playback error for the current track.
type TrackExceptionEvent struct {
	GuildID string `json:"guildId"`
	Track   string `json:"track"`
	Message string `json:"message"`
}

// TrackStuckEvent signals the node made no progress past the threshold.
type TrackStuckEvent struct {
	GuildID     string `json:"guildId"`
	Track       string `json:"track"`
	ThresholdMs int64  `json:"thresholdMs"`
}

// WebSocketClosedEvent signals the node's voice connection to Discord
// closed.
type WebSocketClosedEvent struct {
	GuildID  string `json:"guildId"`
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	ByRemote bool   `json:"byRemote"`
}

func (*TrackStartEvent) isMessage()      {}
func (*TrackEndEvent) isMessage()        {}
func (*TrackExceptionEvent) isMessage()  {}
func (*TrackStuckEvent) isMessage()      {}
func (*WebSocketClosedEvent) isMessage() {}

func (e *TrackStartEvent) EventGuildID() string      { return e.GuildID }
func (e *TrackEndEvent) EventGuildID() string        { return e.GuildID }
func (e *TrackExceptionEvent) EventGuildID() string  { return e.GuildID }
func (e *TrackStuckEvent) EventGuildID() string      { return e.GuildID }
func (e *WebSocketClosedEvent) EventGuildID() string { return e.GuildID }

// Decode parses an inbound frame. Unknown ops and unknown event types
// decode to (nil, nil): the server may add message kinds at any time and
// the client must ignore them. Unknown fields inside known messages are
// ignored by the JSON decoder for the same reason.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch envelope.Op {
	case "ready":
		msg := &ReadyMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("%w: ready: %v", ErrMalformed, err)
		}
		if msg.SessionID == "" {
			return nil, fmt.Errorf("%w: ready: missing sessionId", ErrMalformed)
		}
		return msg, nil

	case "playerUpdate":
		msg := &PlayerUpdateMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("%w: playerUpdate: %v", ErrMalformed, err)
		}
		if msg.GuildID == "" {
			return nil, fmt.Errorf("%w: playerUpdate: missing guildId", ErrMalformed)
		}
		return msg, nil

	case "stats":
		msg := &StatsMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("%w: stats: %v", ErrMalformed, err)
		}
		return msg, nil

	case "event":
		return decodeEvent(data)

	default:
		return nil, nil
	}
}

func decodeEvent(data []byte) (Message, error) {
	var envelope struct {
		Type    string `json:"type"`
		GuildID string `json:"guildId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: event: %v", ErrMalformed, err)
	}
	if envelope.GuildID == "" {
		return nil, fmt.Errorf("%w: event: missing guildId", ErrMalformed)
	}

	var evt Event
	switch envelope.Type {
	case "TrackStartEvent":
		evt = &TrackStartEvent{}
	case "TrackEndEvent":
		evt = &TrackEndEvent{}
	case "TrackExceptionEvent":
		evt = &TrackExceptionEvent{}
	case "TrackStuckEvent":
		evt = &TrackStuckEvent{}
	case "WebSocketClosedEvent":
		evt = &WebSocketClosedEvent{}
	default:
		return nil, nil
	}

	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("%w: event %s: %v", ErrMalformed, envelope.Type, err)
	}
	return evt, nil
}
