package audio

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Library wraps a Player, resolving sound identifiers against a directory of
// WAV files so callers never deal in file paths.
type Library struct {
	player Player
	dir    string
}

// NewLibrary creates a library over dir.
func NewLibrary(player Player, dir string) *Library {
	return &Library{player: player, dir: dir}
}

// Create resolves the sound id and prepares it on the wrapped player.
// Sources that already carry an extension are treated as paths within the
// library directory.
func (l *Library) Create(ctx context.Context, source string) (string, error) {
	if source == "" {
		return "", errors.New("audio: empty sound id")
	}
	name := source
	if filepath.Ext(name) == "" {
		name += ".wav"
	}
	return l.player.Create(ctx, filepath.Join(l.dir, name))
}

func (l *Library) Play(handle string) error  { return l.player.Play(handle) }
func (l *Library) Pause(handle string) error { return l.player.Pause(handle) }
func (l *Library) Stop(handle string) error  { return l.player.Stop(handle) }

func (l *Library) SetVolume(handle string, volume float64) error {
	return l.player.SetVolume(handle, volume)
}

// List returns the sound ids available in the library directory, sorted.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read sound directory %s", l.dir)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.EqualFold(filepath.Ext(name), ".wav") {
			ids = append(ids, strings.TrimSuffix(name, filepath.Ext(name)))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
