package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hydrogen/internal/config"
	"hydrogen/internal/lavalink"
	"hydrogen/internal/logger"
	"hydrogen/internal/player"
	"hydrogen/internal/storage"
	"hydrogen/pkg/jobmgr"
)

var (
	ErrNoHealthyNodes = errors.New("no healthy node available")
	ErrNotBound       = errors.New("guild has no player")
	ErrNoMatches      = errors.New("no tracks matched the query")
	ErrLoadFailed     = errors.New("track load failed")
)

// NodeStatus is a point-in-time health snapshot for diagnostics.
type NodeStatus struct {
	Host     string
	State    string
	Healthy  bool
	Failures int
	Players  int
	Stats    lavalink.StatsMessage
	StatsAt  time.Time
}

// binding ties a guild to the node serving its player.
type binding struct {
	player *player.Player
	node   *lavalink.Node
}

// pendingVoice accumulates the two halves of a Discord voice handshake
// until a whole session can be assembled.
type pendingVoice struct {
	sessionID string
	channelID string
	token     string
	endpoint  string
}

// Manager owns the guild registry and the node pool. It implements
// lavalink.EventHandler: the node read loops deliver frames here and the
// manager routes them by guild id.
type Manager struct {
	cfg   *config.Config
	store *storage.Storage
	jobs  *jobmgr.Manager

	mu       sync.RWMutex
	nodes    []*lavalink.Node
	bindings map[string]*binding
	voice    map[string]*pendingVoice

	notifications chan player.Notification
}

// New creates a manager with no nodes attached.
func New(cfg *config.Config, store *storage.Storage) *Manager {
	m := &Manager{
		cfg:           cfg,
		store:         store,
		bindings:      make(map[string]*binding),
		voice:         make(map[string]*pendingVoice),
		notifications: make(chan player.Notification, 32),
	}
	m.jobs = jobmgr.NewManager(func(msg string) {
		logger.Debug("job event", logger.String("event", msg))
	})
	return m
}

// Connect builds a node per configured address and starts their run
// loops. userID is the bot's Discord user id, required by the node
// handshake.
func (m *Manager) Connect(ctx context.Context, addresses []config.NodeAddress, userID string) error {
	if len(addresses) == 0 {
		return errors.New("no nodes configured")
	}

	nodeCfg := lavalink.NodeConfig{
		ConnectTimeout:   m.cfg.ConnectTimeout,
		BackoffBase:      m.cfg.BackoffBase,
		BackoffCap:       m.cfg.BackoffCap,
		BackoffFactor:    m.cfg.BackoffFactor,
		FailureThreshold: m.cfg.FailureThreshold,
		ResumeTimeout:    m.cfg.ResumeTimeout,
	}
	restCfg := lavalink.RestConfig{
		Attempts:  m.cfg.RestAttempts,
		RetryBase: m.cfg.RestRetryBase,
		RetryCap:  m.cfg.RestRetryCap,
		Timeout:   m.cfg.RestTimeout,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addresses {
		n := lavalink.NewNode(addr.Host, addr.Password, addr.Secure, userID, nodeCfg, restCfg, m)
		m.nodes = append(m.nodes, n)
		n.Start(ctx)
	}
	return nil
}

// Close shuts down every node and destroys every player.
func (m *Manager) Close() {
	m.mu.Lock()
	bindings := make([]*binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		bindings = append(bindings, b)
	}
	nodes := m.nodes
	m.mu.Unlock()

	for _, b := range bindings {
		b.player.Destroy()
	}
	for _, n := range nodes {
		n.Close()
	}
}

// Notifications returns the channel terminal player states are surfaced
// on. The channel is buffered; slow consumers lose notifications rather
// than blocking playback.
func (m *Manager) Notifications() <-chan player.Notification {
	return m.notifications
}

// Player returns the bound player for a guild.
func (m *Manager) Player(guildID string) (*player.Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[guildID]
	if !ok {
		return nil, false
	}
	return b.player, true
}

// Assign returns the guild's player, creating one on the least-loaded
// healthy node when none exists. Persisted guild settings are restored
// onto a fresh player.
func (m *Manager) Assign(guildID string) (*player.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignLocked(guildID)
}

func (m *Manager) assignLocked(guildID string) (*player.Player, error) {
	if b, ok := m.bindings[guildID]; ok {
		return b.player, nil
	}

	node := m.pickNodeLocked()
	if node == nil {
		return nil, ErrNoHealthyNodes
	}

	p := player.New(guildID, node, player.Config{
		QueueLimit:      m.cfg.QueueLimit,
		AutoSkipCeiling: m.cfg.AutoSkipCeiling,
		MaxVolume:       m.cfg.MaxVolume,
	}, m.emit)

	if settings, err := m.store.GetMusicSettings(guildID); err != nil {
		logger.Warn("failed to load guild settings",
			logger.String("guild", guildID),
			logger.ErrorField(err))
	} else if settings != nil {
		p.RestoreSettings(player.ParseLoopMode(settings.LoopMode), settings.Volume)
	}

	m.bindings[guildID] = &binding{player: p, node: node}
	logger.Info("player assigned",
		logger.String("guild", guildID),
		logger.String("node", node.Host))
	return p, nil
}

// pickNodeLocked returns the healthy node with the fewest bound players.
func (m *Manager) pickNodeLocked() *lavalink.Node {
	counts := make(map[*lavalink.Node]int, len(m.nodes))
	for _, b := range m.bindings {
		counts[b.node]++
	}

	var best *lavalink.Node
	bestLoad := 0
	for _, n := range m.nodes {
		if !n.Healthy() {
			continue
		}
		load := counts[n]
		if best == nil || load < bestLoad {
			best = n
			bestLoad = load
		}
	}
	return best
}

// PlaySummary reports the outcome of a Play call for rendering.
type PlaySummary struct {
	First     *lavalink.Track
	Added     int
	Started   bool
	Truncated bool
	Playlist  string
}

// Play resolves a query on the guild's node and enqueues the result. A
// query that resolves to nothing is retried once as a search with the
// configured prefix before giving up.
func (m *Manager) Play(ctx context.Context, guildID, query string) (*PlaySummary, error) {
	m.mu.Lock()
	p, err := m.assignLocked(guildID)
	var rest *lavalink.RestClient
	if err == nil {
		rest = m.bindings[guildID].node.Rest()
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result, err := m.resolve(ctx, rest, query)
	if err != nil {
		return nil, err
	}

	tracks := result.Tracks
	selected := -1
	playlist := ""
	switch result.LoadType {
	case lavalink.LoadTypeSearch:
		// A search yields a ranked list; only the best match is queued.
		tracks = tracks[:1]
	case lavalink.LoadTypePlaylist:
		if result.PlaylistInfo != nil {
			selected = result.PlaylistInfo.SelectedTrack
			playlist = result.PlaylistInfo.Name
		}
	}

	summary, err := p.Enqueue(tracks, selected)
	if err != nil {
		return nil, err
	}
	return &PlaySummary{
		First:     summary.First,
		Added:     summary.Added,
		Started:   summary.Started,
		Truncated: summary.Truncated,
		Playlist:  playlist,
	}, nil
}

func (m *Manager) resolve(ctx context.Context, rest *lavalink.RestClient, query string) (*lavalink.LoadResult, error) {
	result, err := rest.LoadTracks(ctx, query)
	if err != nil {
		return nil, err
	}

	if (result.LoadType == lavalink.LoadTypeNoMatch || len(result.Tracks) == 0) &&
		result.LoadType != lavalink.LoadTypeFailed &&
		!strings.HasPrefix(query, m.cfg.SearchPrefix) {
		result, err = rest.LoadTracks(ctx, m.cfg.SearchPrefix+query)
		if err != nil {
			return nil, err
		}
	}

	switch result.LoadType {
	case lavalink.LoadTypeFailed:
		if result.Exception != nil {
			return nil, fmt.Errorf("%w: %s", ErrLoadFailed, result.Exception.Message)
		}
		return nil, ErrLoadFailed
	case lavalink.LoadTypeNoMatch:
		return nil, ErrNoMatches
	}
	if len(result.Tracks) == 0 {
		return nil, ErrNoMatches
	}
	return result, nil
}

// Release tears down a guild's player: local destroy, remote destroy,
// registry removal. Releasing an unbound guild is a no-op.
func (m *Manager) Release(ctx context.Context, guildID string) error {
	m.mu.Lock()
	b, ok := m.bindings[guildID]
	if ok {
		delete(m.bindings, guildID)
	}
	delete(m.voice, guildID)
	m.mu.Unlock()

	_ = m.jobs.Stop(idleJobName(guildID))
	if !ok {
		return nil
	}

	b.player.Destroy()

	if sessionID := b.node.SessionID(); sessionID != "" {
		if err := b.node.Rest().DestroyPlayer(ctx, sessionID, guildID); err != nil {
			logger.Warn("failed to destroy remote player",
				logger.String("guild", guildID),
				logger.ErrorField(err))
		}
	}
	logger.Info("player released", logger.String("guild", guildID))
	return nil
}

// SetLoop changes and persists the guild's loop mode.
func (m *Manager) SetLoop(guildID string, mode player.LoopMode) error {
	p, ok := m.Player(guildID)
	if !ok {
		return ErrNotBound
	}
	if err := p.SetLoop(mode); err != nil {
		return err
	}
	return m.store.SetMusicSettings(guildID, storage.MusicSettings{
		LoopMode: string(mode),
		Volume:   p.Volume(),
	})
}

// SetVolume changes and persists the guild's volume.
func (m *Manager) SetVolume(guildID string, volume int) error {
	p, ok := m.Player(guildID)
	if !ok {
		return ErrNotBound
	}
	if err := p.SetVolume(volume); err != nil {
		return err
	}
	return m.store.SetMusicSettings(guildID, storage.MusicSettings{
		LoopMode: string(p.Loop()),
		Volume:   p.Volume(),
	})
}

// NodeStats returns a health snapshot for every node.
func (m *Manager) NodeStats() []NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[*lavalink.Node]int, len(m.nodes))
	for _, b := range m.bindings {
		counts[b.node]++
	}

	out := make([]NodeStatus, 0, len(m.nodes))
	for _, n := range m.nodes {
		stats, at := n.Stats()
		out = append(out, NodeStatus{
			Host:     n.Host,
			State:    n.State().String(),
			Healthy:  n.Healthy(),
			Failures: n.Failures(),
			Players:  counts[n],
			Stats:    stats,
			StatsAt:  at,
		})
	}
	return out
}

// UpdateVoiceState records the client half of the voice handshake. An
// empty channel id means the bot left voice.
func (m *Manager) UpdateVoiceState(guildID, sessionID, channelID string) {
	m.mu.Lock()
	pv := m.voiceLocked(guildID)
	pv.sessionID = sessionID
	pv.channelID = channelID
	b := m.bindings[guildID]
	m.mu.Unlock()

	if b == nil {
		return
	}
	if channelID == "" {
		if err := b.player.SetVoice(nil); err != nil {
			logger.Warn("failed to clear voice session",
				logger.String("guild", guildID),
				logger.ErrorField(err))
		}
		return
	}
	m.applyVoice(guildID)
}

// UpdateVoiceServer records the server half of the voice handshake.
func (m *Manager) UpdateVoiceServer(guildID, token, endpoint string) {
	m.mu.Lock()
	pv := m.voiceLocked(guildID)
	pv.token = token
	pv.endpoint = endpoint
	m.mu.Unlock()

	m.applyVoice(guildID)
}

func (m *Manager) voiceLocked(guildID string) *pendingVoice {
	pv, ok := m.voice[guildID]
	if !ok {
		pv = &pendingVoice{}
		m.voice[guildID] = pv
	}
	return pv
}

// applyVoice pushes a complete session to the player. The session is
// built and replaced as a whole; partial handshakes never reach the
// player.
func (m *Manager) applyVoice(guildID string) {
	m.mu.RLock()
	b := m.bindings[guildID]
	pv := m.voice[guildID]
	m.mu.RUnlock()

	if b == nil || pv == nil {
		return
	}
	if pv.sessionID == "" || pv.token == "" || pv.endpoint == "" {
		return
	}

	session := &player.VoiceSession{
		SessionID: pv.sessionID,
		Token:     pv.token,
		Endpoint:  pv.endpoint,
		ChannelID: pv.channelID,
	}
	if err := b.player.SetVoice(session); err != nil {
		logger.Warn("failed to set voice session",
			logger.String("guild", guildID),
			logger.ErrorField(err))
	}
}

// OccupancyChanged reacts to the human head count of the bot's voice
// channel. Zero arms the idle destroy timer; anyone arriving cancels it.
func (m *Manager) OccupancyChanged(guildID string, humans int) {
	m.mu.RLock()
	_, bound := m.bindings[guildID]
	m.mu.RUnlock()
	if !bound {
		return
	}

	name := idleJobName(guildID)
	if humans > 0 {
		_ = m.jobs.Stop(name)
		return
	}

	timeout := m.cfg.EmptyTimeout
	err := m.jobs.StartAsync(name, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(timeout):
		}
		logger.Info("destroying idle player", logger.String("guild", guildID))
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return m.Release(releaseCtx, guildID)
	})
	if err != nil {
		// Timer already armed; occupancy flapping resets via Stop above.
		logger.Debug("idle timer already running", logger.String("guild", guildID))
	}
}

func idleJobName(guildID string) string {
	return "idle:" + guildID
}

// emit forwards a player notification, appending track history for
// starts. Drops on a full channel instead of blocking the node read loop.
func (m *Manager) emit(n player.Notification) {
	if n.Kind == player.NotifyTrackStarted && n.Track != nil {
		if err := m.store.AppendTrackToHistory(n.GuildID, storage.TrackHistoryRecord{
			Title:    n.Track.Info.Title,
			Author:   n.Track.Info.Author,
			URI:      n.Track.Info.URI,
			Source:   n.Track.Info.SourceName,
			Datetime: time.Now(),
		}); err != nil {
			logger.Warn("failed to append track history",
				logger.String("guild", n.GuildID),
				logger.ErrorField(err))
		}
	}

	select {
	case m.notifications <- n:
	default:
		logger.Warn("notification dropped",
			logger.String("guild", n.GuildID),
			logger.String("kind", string(n.Kind)))
	}
}

// OnNodeReady implements lavalink.EventHandler. A resumed session keeps
// remote players alive, so bound players only re-send their voice
// credentials. A fresh session after a cold restart means every bound
// player must be rebound.
func (m *Manager) OnNodeReady(n *lavalink.Node, resumed bool) {
	guilds := m.guildsOn(n)
	if resumed {
		for _, guildID := range guilds {
			if p, ok := m.Player(guildID); ok {
				if err := p.ResubmitVoice(); err != nil {
					logger.Warn("failed to resubmit voice after resume",
						logger.String("guild", guildID),
						logger.ErrorField(err))
				}
			}
		}
		return
	}

	for _, guildID := range guilds {
		m.rebind(guildID)
	}
}

// OnNodeDisconnected implements lavalink.EventHandler. Players stay
// bound during the resume window but are flagged stalled.
func (m *Manager) OnNodeDisconnected(n *lavalink.Node, err error) {
	for _, guildID := range m.guildsOn(n) {
		if p, ok := m.Player(guildID); ok {
			p.MarkStalled()
		}
	}
}

// OnPlayerEvent implements lavalink.EventHandler. Events for a guild
// that is unbound, destroyed or owned by another node are dropped.
func (m *Manager) OnPlayerEvent(n *lavalink.Node, guildID string, evt lavalink.Event) {
	m.mu.RLock()
	b := m.bindings[guildID]
	m.mu.RUnlock()
	if b == nil || b.node != n {
		logger.Debug("dropping event for unbound guild",
			logger.String("guild", guildID),
			logger.String("node", n.Host))
		return
	}
	b.player.HandleEvent(evt)
}

// OnPlayerUpdate implements lavalink.EventHandler.
func (m *Manager) OnPlayerUpdate(n *lavalink.Node, guildID string, state lavalink.PlayerState) {
	m.mu.RLock()
	b := m.bindings[guildID]
	m.mu.RUnlock()
	if b == nil || b.node != n {
		return
	}
	b.player.HandleUpdate(state)
}

func (m *Manager) guildsOn(n *lavalink.Node) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var guilds []string
	for guildID, b := range m.bindings {
		if b.node == n {
			guilds = append(guilds, guildID)
		}
	}
	return guilds
}

// rebind migrates a stalled guild to the least-loaded healthy node and
// restarts its track at the last reported position. A guild that cannot
// be rebound is destroyed and surfaced on the notification channel.
func (m *Manager) rebind(guildID string) {
	m.mu.Lock()
	b := m.bindings[guildID]
	if b == nil {
		m.mu.Unlock()
		return
	}
	target := m.pickNodeLocked()
	if target != nil {
		b.node = target
	}
	m.mu.Unlock()

	if target == nil {
		logger.Error("no healthy node to rebind",
			logger.String("guild", guildID))
		m.dropGuild(guildID, "node restarted with no healthy replacement")
		return
	}

	if err := b.player.Rebind(target); err != nil {
		logger.Error("rebind failed",
			logger.String("guild", guildID),
			logger.String("node", target.Host),
			logger.ErrorField(err))
		m.dropGuild(guildID, "failed to restore playback after node restart")
		return
	}
	logger.Info("player rebound",
		logger.String("guild", guildID),
		logger.String("node", target.Host))
}

func (m *Manager) dropGuild(guildID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.Release(ctx, guildID)
	m.emit(player.Notification{
		GuildID: guildID,
		Kind:    player.NotifyPlaybackFailed,
		Message: reason,
	})
}
