package git

import (
	"context"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
)

// HeadReader resolves the commit HEAD points at without shelling out
type HeadReader struct {
	dir string
}

// NewHeadReader creates a reader for the repository containing dir
func NewHeadReader(dir string) *HeadReader {
	return &HeadReader{dir: dir}
}

// Head returns the hex hash of the HEAD commit
func (h *HeadReader) Head(_ context.Context) (string, error) {
	repo, err := gogit.PlainOpenWithOptions(h.dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	return ref.Hash().String(), nil
}
