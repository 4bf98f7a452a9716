package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/italolelis/video_acquirer/internal/logctx"
)

const (
	cookiesFileName  = "cookies.txt"
	metadataFileName = "identity.json"
	flatCookiesGlob  = "youtube_cookies*.txt"
)

// DirStore discovers identities in a directory populated by the
// provisioning session. Two layouts are recognised:
//
//	<root>/<name>/cookies.txt   (+ optional identity.json {"verified": true})
//	<root>/youtube_cookies*.txt (name is the file stem, never verified)
type DirStore struct {
	Root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

type metadata struct {
	Verified bool `json:"verified"`
}

// List implements Store.
func (s *DirStore) List(ctx context.Context) ([]Material, error) {
	logger := logctx.LoggerFromContext(ctx).With("identity_dir", s.Root)

	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("identity directory does not exist")

			return nil, nil
		}

		return nil, fmt.Errorf("failed to read identity directory: %w", err)
	}

	var materials []Material

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		cookies := filepath.Join(s.Root, e.Name(), cookiesFileName)
		if !fileExists(cookies) {
			logger.Debug("skipping identity without cookies", "identity", e.Name())

			continue
		}

		verified, err := readVerified(filepath.Join(s.Root, e.Name(), metadataFileName))
		if err != nil {
			logger.Warn("ignoring unreadable identity metadata", "identity", e.Name(), "err", err)
		}

		materials = append(materials, Material{Name: e.Name(), CookiesPath: cookies, Verified: verified})
	}

	flat, err := filepath.Glob(filepath.Join(s.Root, flatCookiesGlob))
	if err != nil {
		return nil, fmt.Errorf("failed to glob cookie files: %w", err)
	}

	for _, path := range flat {
		if !fileExists(path) {
			continue
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		materials = append(materials, Material{Name: name, CookiesPath: path})
	}

	sort.Slice(materials, func(i, j int) bool { return materials[i].Name < materials[j].Name })

	logger.Debug("identities discovered", "count", len(materials))

	return materials, nil
}

func readVerified(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return false, fmt.Errorf("invalid %s: %w", metadataFileName, err)
	}

	return m.Verified, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
