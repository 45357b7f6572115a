// /internal/storage/storage.go
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/keshon/datastore"
)

const tracksHistoryLimit int = 12

type Storage struct {
	ds *datastore.DataStore
}

// MusicSettings are the per-guild knobs that survive restarts.
type MusicSettings struct {
	LoopMode string `json:"loop_mode"`
	Volume   int    `json:"volume"`
}

type TrackHistoryRecord struct {
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	URI      string    `json:"uri"`
	Source   string    `json:"source"`
	Datetime time.Time `json:"datetime"`
}

type Record struct {
	Settings      *MusicSettings       `json:"settings,omitempty"`
	TracksHistory []TrackHistoryRecord `json:"tracks_history"`
}

func New(filePath string) (*Storage, error) {
	ds, err := datastore.New(context.Background(), filePath)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds}, nil
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

// loadGuildRecord reads the record for a guild, or returns a fresh one
// for a guild that was never written.
func (s *Storage) loadGuildRecord(guildID string) (*Record, error) {
	var record Record
	found, err := s.ds.Get(guildID, &record)
	if err != nil {
		return nil, fmt.Errorf("error reading guild record: %w", err)
	}
	if !found {
		return &Record{TracksHistory: []TrackHistoryRecord{}}, nil
	}

	if len(record.TracksHistory) > tracksHistoryLimit {
		record.TracksHistory = record.TracksHistory[len(record.TracksHistory)-tracksHistoryLimit:]
	}

	return &record, nil
}

// GetMusicSettings returns the stored settings for a guild, or nil when
// the guild never saved any.
func (s *Storage) GetMusicSettings(guildID string) (*MusicSettings, error) {
	record, err := s.loadGuildRecord(guildID)
	if err != nil {
		return nil, err
	}
	return record.Settings, nil
}

// SetMusicSettings replaces the stored settings for a guild.
func (s *Storage) SetMusicSettings(guildID string, settings MusicSettings) error {
	record, err := s.loadGuildRecord(guildID)
	if err != nil {
		return err
	}

	record.Settings = &settings
	return s.ds.Set(guildID, record)
}

// AppendTrackToHistory appends a played track for a guild, keeping the
// last tracksHistoryLimit entries.
func (s *Storage) AppendTrackToHistory(guildID string, track TrackHistoryRecord) error {
	record, err := s.loadGuildRecord(guildID)
	if err != nil {
		return err
	}

	record.TracksHistory = append(record.TracksHistory, track)
	if len(record.TracksHistory) > tracksHistoryLimit {
		record.TracksHistory = record.TracksHistory[len(record.TracksHistory)-tracksHistoryLimit:]
	}

	return s.ds.Set(guildID, record)
}

func (s *Storage) FetchTrackHistory(guildID string) ([]TrackHistoryRecord, error) {
	record, err := s.loadGuildRecord(guildID)
	if err != nil {
		return nil, err
	}

	return record.TracksHistory, nil
}
