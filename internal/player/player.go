package player

import (
	"errors"
	"math/rand"
	"sync"

	"hydrogen/internal/lavalink"
	"hydrogen/internal/logger"
)

// State is the player lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// LoopMode controls how the queue advances when a track finishes.
type LoopMode string

const (
	LoopNone   LoopMode = "none"
	LoopTrack  LoopMode = "track"
	LoopQueue  LoopMode = "queue"
	LoopRandom LoopMode = "random"
)

// ParseLoopMode maps a stored or user-supplied value onto a loop mode.
// Unknown values fall back to none.
func ParseLoopMode(s string) LoopMode {
	switch LoopMode(s) {
	case LoopTrack, LoopQueue, LoopRandom:
		return LoopMode(s)
	default:
		return LoopNone
	}
}

var (
	ErrQueueFull  = errors.New("queue is full")
	ErrAtBoundary = errors.New("already at queue boundary")
	ErrDestroyed  = errors.New("player is destroyed")
	ErrEmptyQueue = errors.New("no tracks in queue")
)

// VoiceSession is the complete set of Discord voice credentials for one
// guild. It is always replaced as a whole, never field-merged.
type VoiceSession struct {
	SessionID string
	Token     string
	Endpoint  string
	ChannelID string
}

// NotificationKind labels a player notification.
type NotificationKind string

const (
	NotifyTrackStarted   NotificationKind = "track_started"
	NotifyQueueEnded     NotificationKind = "queue_ended"
	NotifyPlaybackFailed NotificationKind = "playback_failed"
	NotifyDestroyed      NotificationKind = "destroyed"
)

// Notification is a terminal or user-visible player state change,
// surfaced by the manager on its notification channel.
type Notification struct {
	GuildID string
	Kind    NotificationKind
	Track   *lavalink.Track
	Message string
}

// Transport sends control commands to the node owning this player.
// *lavalink.Node implements it.
type Transport interface {
	Send(cmd lavalink.Command) error
}

// Config tunes one player instance.
type Config struct {
	QueueLimit      int
	AutoSkipCeiling int
	MaxVolume       int
}

// Summary describes the outcome of an enqueue for the caller to render.
type Summary struct {
	First     *lavalink.Track
	Added     int
	Started   bool
	Truncated bool
}

// Player is the per-guild playback state machine. All fields are guarded
// by mu; node events and user commands for one guild are serialized
// through it.
type Player struct {
	mu sync.Mutex

	guildID   string
	transport Transport
	cfg       Config
	notify    func(Notification)

	queue []lavalink.Track
	index int

	state      State
	loop       LoopMode
	volume     int
	positionMs int64
	stalled    bool
	failStreak int

	voice *VoiceSession
}

// New creates an idle player for one guild. notify may be nil.
func New(guildID string, transport Transport, cfg Config, notify func(Notification)) *Player {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 1000
	}
	if cfg.AutoSkipCeiling <= 0 {
		cfg.AutoSkipCeiling = 3
	}
	if cfg.MaxVolume <= 0 {
		cfg.MaxVolume = 1000
	}
	if notify == nil {
		notify = func(Notification) {}
	}
	return &Player{
		guildID:   guildID,
		transport: transport,
		cfg:       cfg,
		notify:    notify,
		queue:     make([]lavalink.Track, 0),
		state:     StateIdle,
		loop:      LoopNone,
		volume:    100,
	}
}

func (p *Player) GuildID() string { return p.guildID }

// State returns the current lifecycle state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stalled reports whether the player lost its node session and awaits a
// rebind.
func (p *Player) Stalled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stalled
}

// Current returns the track at the queue cursor, or nil.
func (p *Player) Current() *lavalink.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

// Position returns the last reported playback position.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionMs
}

// Queue returns a copy of the queue and the cursor index.
func (p *Player) Queue() ([]lavalink.Track, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]lavalink.Track, len(p.queue))
	copy(out, p.queue)
	return out, p.index
}

// Loop returns the current loop mode.
func (p *Player) Loop() LoopMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loop
}

// Volume returns the current volume.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *Player) currentLocked() *lavalink.Track {
	if p.index < 0 || p.index >= len(p.queue) {
		return nil
	}
	t := p.queue[p.index]
	return &t
}

// Enqueue appends tracks and starts playback if the player is idle with
// voice credentials present. selected points at the track inside the
// batch playback should start from, or -1 for the first appended track.
// When the bound would be exceeded, the tail is dropped and the summary
// is flagged truncated; if nothing fits, ErrQueueFull.
func (p *Player) Enqueue(tracks []lavalink.Track, selected int) (Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return Summary{}, ErrDestroyed
	}
	if len(tracks) == 0 {
		return Summary{}, ErrEmptyQueue
	}

	room := p.cfg.QueueLimit - len(p.queue)
	if room <= 0 {
		return Summary{}, ErrQueueFull
	}

	summary := Summary{}
	if len(tracks) > room {
		tracks = tracks[:room]
		summary.Truncated = true
	}

	offset := len(p.queue)
	p.queue = append(p.queue, tracks...)
	summary.Added = len(tracks)
	summary.First = &tracks[0]

	logger.Debug("tracks enqueued",
		logger.String("guild", p.guildID),
		logger.Int("added", summary.Added),
		logger.Int("queue_len", len(p.queue)))

	if p.state == StateIdle && p.voice != nil {
		start := offset
		if selected > 0 && selected < len(tracks) {
			start = offset + selected
		}
		p.index = start
		if err := p.playLocked(); err != nil {
			return summary, err
		}
		summary.Started = true
	}
	return summary, nil
}

// playLocked issues a play command for the track at the cursor.
func (p *Player) playLocked() error {
	current := p.currentLocked()
	if current == nil {
		return ErrEmptyQueue
	}
	if err := p.transport.Send(lavalink.NewPlayCommand(p.guildID, current.Encoded, 0)); err != nil {
		return err
	}
	p.positionMs = 0
	p.state = StatePlaying
	return nil
}

// Skip advances the cursor the same way a finished track would and
// plays, or stops and goes idle when nothing remains. Returns the new
// current track, or nil when the queue ran out.
func (p *Player) Skip() (*lavalink.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return nil, ErrDestroyed
	}
	if len(p.queue) == 0 || p.state == StateIdle {
		return nil, ErrEmptyQueue
	}

	p.failStreak = 0
	wasActive := p.state == StatePlaying || p.state == StatePaused
	p.advanceLocked()
	if p.state == StateIdle {
		// The skipped track is still playing on the node; the resulting
		// TrackEnd{Stopped} is dropped by the idle guard.
		if wasActive {
			if err := p.transport.Send(lavalink.NewStopCommand(p.guildID)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return p.currentLocked(), nil
}

// Previous moves the cursor back and plays. At the head it is a no-op
// returning ErrAtBoundary; the queue never wraps backwards.
func (p *Player) Previous() (*lavalink.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return nil, ErrDestroyed
	}
	if len(p.queue) == 0 {
		return nil, ErrEmptyQueue
	}
	if p.index == 0 {
		return nil, ErrAtBoundary
	}

	p.index--
	p.failStreak = 0
	if err := p.playLocked(); err != nil {
		return nil, err
	}
	return p.currentLocked(), nil
}

// Pause suspends playback. Pausing a paused or idle player is a no-op.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return ErrDestroyed
	}
	if p.state != StatePlaying {
		return nil
	}
	if err := p.transport.Send(lavalink.NewPauseCommand(p.guildID, true)); err != nil {
		return err
	}
	p.state = StatePaused
	return nil
}

// Resume continues playback. Resuming a playing or idle player is a no-op.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return ErrDestroyed
	}
	if p.state != StatePaused {
		return nil
	}
	if err := p.transport.Send(lavalink.NewPauseCommand(p.guildID, false)); err != nil {
		return err
	}
	p.state = StatePlaying
	return nil
}

// Seek moves the position within the current track, clamped to
// [0, duration].
func (p *Player) Seek(positionMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return ErrDestroyed
	}
	current := p.currentLocked()
	if current == nil || p.state == StateIdle {
		return ErrEmptyQueue
	}

	if positionMs < 0 {
		positionMs = 0
	}
	if positionMs > current.Info.LengthMs {
		positionMs = current.Info.LengthMs
	}
	if err := p.transport.Send(lavalink.NewSeekCommand(p.guildID, positionMs)); err != nil {
		return err
	}
	p.positionMs = positionMs
	return nil
}

// SetVolume clamps and applies the volume.
func (p *Player) SetVolume(volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return ErrDestroyed
	}
	if volume < 0 {
		volume = 0
	}
	if volume > p.cfg.MaxVolume {
		volume = p.cfg.MaxVolume
	}
	if err := p.transport.Send(lavalink.NewVolumeCommand(p.guildID, volume)); err != nil {
		return err
	}
	p.volume = volume
	return nil
}

// SetLoop changes the loop mode. Takes effect on the next advance.
func (p *Player) SetLoop(mode LoopMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDestroyed {
		return ErrDestroyed
	}
	p.loop = mode
	return nil
}

// Stop halts the current track and clears the queue. The player stays
// alive and idle.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return ErrDestroyed
	}
	if p.state != StateIdle {
		if err := p.transport.Send(lavalink.NewStopCommand(p.guildID)); err != nil {
			return err
		}
	}
	p.queue = p.queue[:0]
	p.index = 0
	p.positionMs = 0
	p.failStreak = 0
	p.state = StateIdle
	return nil
}

// Destroy moves the player to its terminal state. Idempotent; commands
// after destruction fail with ErrDestroyed. The manager owns removing
// the remote player over REST.
func (p *Player) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return
	}
	p.state = StateDestroyed
	p.queue = nil
	p.voice = nil
	p.notify(Notification{GuildID: p.guildID, Kind: NotifyDestroyed})
}

// SetVoice replaces the voice session as a whole and forwards it to the
// node. A nil session detaches the player from voice.
func (p *Player) SetVoice(session *VoiceSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return ErrDestroyed
	}
	p.voice = session
	if session == nil {
		return nil
	}
	return p.transport.Send(lavalink.NewVoiceUpdateCommand(
		p.guildID, session.SessionID, session.Token, session.Endpoint))
}

// Voice returns the current voice session, or nil.
func (p *Player) Voice() *VoiceSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voice
}

// ResubmitVoice re-sends the stored credentials after a resumed node
// session. The resume kept playback alive server-side, so this also
// clears the stall flag.
func (p *Player) ResubmitVoice() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDestroyed {
		return nil
	}
	p.stalled = false
	if p.voice == nil {
		return nil
	}
	return p.transport.Send(lavalink.NewVoiceUpdateCommand(
		p.guildID, p.voice.SessionID, p.voice.Token, p.voice.Endpoint))
}

// RestoreSettings applies persisted per-guild settings without touching
// the node. Used when a player is created.
func (p *Player) RestoreSettings(loop LoopMode, volume int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDestroyed {
		return
	}
	p.loop = loop
	if volume > 0 {
		if volume > p.cfg.MaxVolume {
			volume = p.cfg.MaxVolume
		}
		p.volume = volume
	}
}

// MarkStalled flags the player after its node session was lost without
// resuming. Cleared by Rebind.
func (p *Player) MarkStalled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateDestroyed {
		p.stalled = true
	}
}

// Rebind attaches the player to a new transport and restarts the current
// track at the last reported position. Used after a cold node restart.
func (p *Player) Rebind(transport Transport) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return ErrDestroyed
	}
	p.transport = transport
	p.stalled = false

	if p.voice != nil {
		if err := p.transport.Send(lavalink.NewVoiceUpdateCommand(
			p.guildID, p.voice.SessionID, p.voice.Token, p.voice.Endpoint)); err != nil {
			return err
		}
	}

	current := p.currentLocked()
	if current == nil || (p.state != StatePlaying && p.state != StatePaused) {
		return nil
	}
	if err := p.transport.Send(lavalink.NewPlayCommand(p.guildID, current.Encoded, p.positionMs)); err != nil {
		return err
	}
	if p.volume != 100 {
		if err := p.transport.Send(lavalink.NewVolumeCommand(p.guildID, p.volume)); err != nil {
			return err
		}
	}
	if p.state == StatePaused {
		return p.transport.Send(lavalink.NewPauseCommand(p.guildID, true))
	}
	return nil
}

// HandleUpdate records the node's periodic position report.
func (p *Player) HandleUpdate(state lavalink.PlayerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDestroyed {
		return
	}
	p.positionMs = state.PositionMs
}

// HandleEvent applies a node event to the state machine. Events for a
// track that is no longer current are stale and dropped.
func (p *Player) HandleEvent(evt lavalink.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDestroyed {
		return
	}

	switch e := evt.(type) {
	case *lavalink.TrackStartEvent:
		p.failStreak = 0
		if current := p.currentLocked(); current != nil {
			p.notify(Notification{GuildID: p.guildID, Kind: NotifyTrackStarted, Track: current})
		}

	case *lavalink.TrackEndEvent:
		if p.state == StateIdle || p.isStaleLocked(e.Track) {
			return
		}
		if !e.Reason.MayAdvance() {
			// Replaced means another play superseded this track. Stopped
			// and Cleanup both leave the server with nothing playing.
			if e.Reason == lavalink.ReasonStopped || e.Reason == lavalink.ReasonCleanup {
				p.state = StateIdle
			}
			return
		}
		if e.Reason == lavalink.ReasonLoadFailed {
			p.trackFailedLocked("track failed to load")
			return
		}
		p.advanceLocked()

	case *lavalink.TrackExceptionEvent:
		if p.state == StateIdle || p.isStaleLocked(e.Track) {
			return
		}
		p.trackFailedLocked(e.Message)

	case *lavalink.TrackStuckEvent:
		if p.state == StateIdle || p.isStaleLocked(e.Track) {
			return
		}
		p.trackFailedLocked("track stuck")

	case *lavalink.WebSocketClosedEvent:
		logger.Warn("voice connection closed",
			logger.String("guild", p.guildID),
			logger.Int("code", e.Code),
			logger.String("reason", e.Reason),
			logger.Bool("by_remote", e.ByRemote))
	}
}

func (p *Player) isStaleLocked(encoded string) bool {
	current := p.currentLocked()
	return current == nil || (encoded != "" && encoded != current.Encoded)
}

// trackFailedLocked counts a consecutive failure and either advances or,
// at the ceiling, forces idle with exactly one failure notification.
func (p *Player) trackFailedLocked(message string) {
	p.failStreak++
	logger.Warn("track failed",
		logger.String("guild", p.guildID),
		logger.Int("streak", p.failStreak),
		logger.String("message", message))

	if p.failStreak >= p.cfg.AutoSkipCeiling {
		p.failStreak = 0
		p.state = StateIdle
		p.notify(Notification{
			GuildID: p.guildID,
			Kind:    NotifyPlaybackFailed,
			Track:   p.currentLocked(),
			Message: message,
		})
		return
	}
	p.advanceLocked()
}

// advanceLocked moves the cursor per loop mode and plays, or goes idle
// at the end of the queue.
func (p *Player) advanceLocked() {
	if len(p.queue) == 0 {
		p.state = StateIdle
		return
	}

	switch p.loop {
	case LoopTrack:
		// Cursor stays put.
	case LoopQueue:
		p.index = (p.index + 1) % len(p.queue)
	case LoopRandom:
		// A single-element queue behaves as track loop.
		if len(p.queue) > 1 {
			next := rand.Intn(len(p.queue) - 1)
			if next >= p.index {
				next++
			}
			p.index = next
		}
	default:
		if p.index+1 >= len(p.queue) {
			p.state = StateIdle
			p.positionMs = 0
			p.notify(Notification{GuildID: p.guildID, Kind: NotifyQueueEnded})
			return
		}
		p.index++
	}

	if err := p.playLocked(); err != nil {
		logger.Error("failed to start next track",
			logger.String("guild", p.guildID),
			logger.ErrorField(err))
		p.state = StateIdle
	}
}
