package data

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Song is one chart known to the server, identified by its name, artist,
// and subtitle. Played counts every time the song has been started.
type Song struct {
	ID       uint64 `gorm:"primaryKey"`
	Name     string `gorm:"uniqueIndex:idx_song_identity"`
	Artist   string `gorm:"uniqueIndex:idx_song_identity"`
	Subtitle string `gorm:"uniqueIndex:idx_song_identity"`
	Played   int    `gorm:"default:0"`
	Seconds  int    `gorm:"default:0"`
}

func songCacheKey(name, artist, subtitle string) string {
	return fmt.Sprintf("song/%s\x00%s\x00%s", name, artist, subtitle)
}

// FindOrCreateSong looks up the song row matching the identity on song,
// creating it if the song has never been seen. Lookups are served from the
// cache when possible since the same song tends to be picked repeatedly.
func FindOrCreateSong(db *gorm.DB, cache *Cache, name, artist, subtitle string) (*Song, error) {
	key := songCacheKey(name, artist, subtitle)
	if cached, found := cache.Get(key); found {
		return cached.(*Song), nil
	}

	var song Song
	err := db.Where("name = ? AND artist = ? AND subtitle = ?", name, artist, subtitle).First(&song).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		song = Song{Name: name, Artist: artist, Subtitle: subtitle}
		err = db.Create(&song).Error
	}
	if err != nil {
		return nil, err
	}

	cache.Put(key, &song, time.Hour)
	return &song, nil
}

// RecordSongPlay registers a song selection or start against the store.
// When started is set the song's play count is incremented and its duration
// refreshed; otherwise this is just a lookup that seeds unknown songs.
func RecordSongPlay(db *gorm.DB, cache *Cache, name, artist, subtitle string, started bool, seconds int) (*Song, error) {
	song, err := FindOrCreateSong(db, cache, name, artist, subtitle)
	if err != nil {
		return nil, err
	}

	if started {
		song.Played++
		if seconds > 0 {
			song.Seconds = seconds
		}
		if err := db.Save(song).Error; err != nil {
			return nil, err
		}
	}

	return song, nil
}
