// Package storage owns the on-disk layout of generated artifacts.
//
// Layout under the root:
//
//	queue.log                    scheduler write-ahead log
//	images/{id}.webp             still outputs
//	images/{id}_thumb.webp       thumbnails (stills and videos)
//	masks/{id}_mask.png          normalized inpaint masks
//	animations/{yyyy}/{mm}/{id}.mp4
//	temp_frames/{id}/frame_%05d.png
//	comfyui-output/              worker output directory, shared with the worker
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/folio-ai/folio/errors"
)

// Store resolves artifact paths relative to a single storage root.
// Records persist relative paths so the root can move between hosts.
type Store struct {
	root string
}

// New creates the storage root and its fixed subdirectories
func New(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "images"), filepath.Join(root, "masks")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create storage directory %s", dir)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the storage root directory
func (s *Store) Root() string {
	return s.root
}

// Abs resolves a record-relative path against the root
func (s *Store) Abs(rel string) string {
	return filepath.Join(s.root, rel)
}

// ImagePath returns the relative path for a generation's full image
func (s *Store) ImagePath(id string) string {
	return filepath.Join("images", id+".webp")
}

// ThumbnailPath returns the relative path for a generation's thumbnail
func (s *Store) ThumbnailPath(id string) string {
	return filepath.Join("images", id+"_thumb.webp")
}

// MaskPath returns the relative path for a generation's inpaint mask
func (s *Store) MaskPath(id string) string {
	return filepath.Join("masks", id+"_mask.png")
}

// AnimationPath returns the relative path for a generation's video,
// sharded by year and month.
func (s *Store) AnimationPath(id string, now time.Time) string {
	return filepath.Join("animations", fmt.Sprintf("%d", now.Year()), fmt.Sprintf("%02d", now.Month()), id+".mp4")
}

// TempFramesDir returns the absolute scratch directory for a generation's
// animation frames.
func (s *Store) TempFramesDir(id string) string {
	return filepath.Join(s.root, "temp_frames", id)
}

// WorkerOutputPath returns the absolute path of a file the worker wrote
// into its shared output directory.
func (s *Store) WorkerOutputPath(subfolder, filename string) string {
	if subfolder != "" {
		return filepath.Join(s.root, "comfyui-output", subfolder, filename)
	}
	return filepath.Join(s.root, "comfyui-output", filename)
}

// Save writes data to a record-relative path, creating parent directories
func (s *Store) Save(rel string, data []byte) error {
	abs := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", rel)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", rel)
	}
	return nil
}

// Read loads a record-relative path
func (s *Store) Read(rel string) ([]byte, error) {
	data, err := os.ReadFile(s.Abs(rel))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", rel)
	}
	return data, nil
}

// Remove deletes a record-relative path. Missing files are not an error.
func (s *Store) Remove(rel string) error {
	if rel == "" {
		return nil
	}
	if err := os.Remove(s.Abs(rel)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", rel)
	}
	return nil
}

// RemoveWorkerOutput deletes the worker's copy of an output file once it
// has been archived under the storage root. Missing files are ignored.
func (s *Store) RemoveWorkerOutput(subfolder, filename string) {
	os.Remove(s.WorkerOutputPath(subfolder, filename))
}

// RemoveTempFrames deletes a generation's frame scratch directory
func (s *Store) RemoveTempFrames(id string) {
	os.RemoveAll(s.TempFramesDir(id))
}
