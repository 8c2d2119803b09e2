// Package history keeps every saved prompt body in a per-prompt git
// repository so earlier revisions can be listed and restored.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"promptdock/internal/prompt"
)

const fileName = "prompt.json"

var (
	ErrInvalidID = errors.New("invalid prompt id")
	ErrNoHistory = errors.New("no history for prompt")

	validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Commit describes one recorded revision.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	author  string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		author:  "promptdock",
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits data as the prompt's newest revision. Saves that leave the
// body unchanged add no commit.
func (s *Service) Record(_ context.Context, meta prompt.PromptMetadata, data prompt.PromptData) error {
	if !validID.MatchString(meta.ID) {
		return ErrInvalidID
	}
	lock := s.promptLock(meta.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(meta.ID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prompt body: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.repoPath(meta.ID), fileName), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if _, err := worktree.Add(fileName); err != nil {
		return fmt.Errorf("git add prompt body: %w", err)
	}

	title := data.Title
	if title == "" {
		title = "Untitled"
	}
	_, err = worktree.Commit(fmt.Sprintf("Save %q", title), &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.author,
			Email: s.author + "@localhost",
			When:  time.UnixMilli(meta.UpdatedAt),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit prompt body: %w", err)
	}
	return nil
}

// History lists revisions newest first. limit <= 0 means all.
func (s *Service) History(id string, limit int) ([]Commit, error) {
	repo, unlock, err := s.open(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		item := toCommit(commitObj)
		if data, err := readBody(commitObj); err == nil {
			item.Title = data.Title
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the body recorded in the given commit. Abbreviated
// hashes are accepted.
func (s *Service) ContentAt(id, hash string) (prompt.PromptData, error) {
	repo, unlock, err := s.open(id)
	if err != nil {
		return prompt.PromptData{}, err
	}
	defer unlock()

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return prompt.PromptData{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return prompt.PromptData{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readBody(commitObj)
}

func (s *Service) open(id string) (*git.Repository, func(), error) {
	if !validID.MatchString(id) {
		return nil, nil, ErrInvalidID
	}
	lock := s.promptLock(id)
	lock.Lock()

	repo, err := git.PlainOpen(s.repoPath(id))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		lock.Unlock()
		return nil, nil, ErrNoHistory
	}
	if err != nil {
		lock.Unlock()
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func (s *Service) openOrInit(id string) (*git.Repository, error) {
	path := s.repoPath(id)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Service) promptLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[id]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func readBody(commitObj *object.Commit) (prompt.PromptData, error) {
	file, err := commitObj.File(fileName)
	if err != nil {
		return prompt.PromptData{}, fmt.Errorf("load %s from commit: %w", fileName, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return prompt.PromptData{}, fmt.Errorf("read %s: %w", fileName, err)
	}
	var data prompt.PromptData
	if err := json.Unmarshal([]byte(contents), &data); err != nil {
		return prompt.PromptData{}, fmt.Errorf("decode commit body: %w", err)
	}
	return data, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
