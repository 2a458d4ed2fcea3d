package storystore

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// Seed is the YAML layout accepted by LoadSeed:
//
//	stories:
//	  - resource: {id: story-1, title: The Fox, status: in_progress}
//	    segments:
//	      - {id: seg-1, position: 1, text: "...", image_status: not_started}
type Seed struct {
	Stories []snapshot.ResourceState `yaml:"stories"`
}

// LoadSeed upserts every story and segment of the seed document and returns
// the number of stories written.
func (s *SQLiteStore) LoadSeed(ctx context.Context, r io.Reader) (int, error) {
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "decode seed")
	}
	for i, st := range seed.Stories {
		id := st.Resource.String("id")
		if id == "" {
			return i, errors.Errorf("seed story #%d has no id", i)
		}
		if _, err := s.PatchStory(ctx, id, st.Resource); err != nil {
			return i, err
		}
		for j, seg := range st.Segments {
			segID := seg.String("id")
			if segID == "" {
				return i, errors.Errorf("seed story %s segment #%d has no id", id, j)
			}
			if _, err := s.PatchSegment(ctx, id, segID, seg); err != nil {
				return i, err
			}
		}
	}
	return len(seed.Stories), nil
}

func (s *SQLiteStore) LoadSeedFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open seed file")
	}
	defer func() { _ = f.Close() }()
	n, err := s.LoadSeed(ctx, f)
	if err != nil {
		return n, errors.Wrapf(err, "load seed %s", path)
	}
	return n, nil
}
