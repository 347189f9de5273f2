// Package viewstore versions view content in one git repository per view.
package viewstore

import (
	"bytes"
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
)

const (
	contentFile = "view.json"
	branchName  = "main"
)

var (
	ErrViewNotFound   = errors.New("view not found")
	ErrInvalidViewID  = errors.New("invalid view id")
	ErrInvalidContent = errors.New("view content must be valid JSON")
)

var viewIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// View is the content of a view at one commit.
type View struct {
	ID      string     `json:"viewId"`
	Content []byte     `json:"-"`
	Commit  CommitInfo `json:"commit"`
}

type Store struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func ValidateViewID(viewID string) error {
	if !viewIDPattern.MatchString(viewID) || viewID == "." || viewID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidViewID, viewID)
	}
	return nil
}

// Save commits content as the view's new head. The repository is created on
// first save. Content equal to the current head is not committed again;
// changed reports whether a commit was made.
func (s *Store) Save(ctx context.Context, viewID string, content []byte, author string) (commit CommitInfo, changed bool, err error) {
	if err := ValidateViewID(viewID); err != nil {
		return CommitInfo{}, false, err
	}
	if !json.Valid(content) {
		return CommitInfo{}, false, ErrInvalidContent
	}
	if err := ctx.Err(); err != nil {
		return CommitInfo{}, false, err
	}

	lock := s.viewLock(viewID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(viewID)
	if err != nil {
		return CommitInfo{}, false, err
	}

	if head, err := repo.Head(); err == nil {
		headCommit, err := repo.CommitObject(head.Hash())
		if err != nil {
			return CommitInfo{}, false, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readContent(headCommit)
		if err != nil {
			return CommitInfo{}, false, err
		}
		if bytes.Equal(current, content) {
			return toCommitInfo(headCommit), false, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return CommitInfo{}, false, fmt.Errorf("resolve head: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), content, 0o644); err != nil {
		return CommitInfo{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, false, fmt.Errorf("git add content: %w", err)
	}
	if author == "" {
		author = "archboard"
	}
	hash, err := worktree.Commit(fmt.Sprintf("Save view %s", viewID), &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.archboard.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// Load returns the view's head content.
func (s *Store) Load(ctx context.Context, viewID string) (View, error) {
	return s.load(ctx, viewID, "")
}

// LoadRevision returns the view's content at hash, full or abbreviated.
func (s *Store) LoadRevision(ctx context.Context, viewID, hash string) (View, error) {
	if hash == "" {
		return View{}, fmt.Errorf("load revision: hash is required")
	}
	return s.load(ctx, viewID, hash)
}

func (s *Store) load(ctx context.Context, viewID, hash string) (View, error) {
	if err := ValidateViewID(viewID); err != nil {
		return View{}, err
	}
	if err := ctx.Err(); err != nil {
		return View{}, err
	}

	lock := s.viewLock(viewID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(viewID)
	if err != nil {
		return View{}, err
	}

	var target plumbing.Hash
	if hash == "" {
		head, err := repo.Head()
		if err != nil {
			if errors.Is(err, plumbing.ErrReferenceNotFound) {
				return View{}, fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
			}
			return View{}, fmt.Errorf("resolve head: %w", err)
		}
		target = head.Hash()
	} else {
		target, err = resolveHash(repo, hash)
		if err != nil {
			return View{}, err
		}
	}

	commitObj, err := repo.CommitObject(target)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return View{}, fmt.Errorf("%w: %s@%s", ErrViewNotFound, viewID, hash)
		}
		return View{}, fmt.Errorf("load commit object: %w", err)
	}
	content, err := readContent(commitObj)
	if err != nil {
		return View{}, err
	}
	return View{ID: viewID, Content: content, Commit: toCommitInfo(commitObj)}, nil
}

// History lists the view's commits newest first, at most limit when limit
// is positive.
func (s *Store) History(ctx context.Context, viewID string, limit int) ([]CommitInfo, error) {
	if err := ValidateViewID(viewID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.viewLock(viewID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(viewID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

func (s *Store) repoPath(viewID string) string {
	return filepath.Join(s.baseDir, viewID)
}

func (s *Store) viewLock(viewID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[viewID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[viewID] = lock
	return lock
}

func (s *Store) open(viewID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(viewID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Store) openOrInit(viewID string) (*git.Repository, error) {
	path := s.repoPath(viewID)
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
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branchName, err)
	}
	return repo, nil
}

func readContent(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: revision %s: %v", ErrViewNotFound, hash, err)
	}
	return *resolved, nil
}
