// Package revision keeps a per-deck git history of JSON snapshots so
// users can browse and restore earlier versions of a deck.
package revision

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"slidequick/api/internal/store"
)

// CommitInfo describes one snapshot in a deck's history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service stores each deck as its own bare-bones git repository with a
// single deck.json file on main.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureDeckRepo initializes the repository for a deck if it does not
// exist yet, committing the deck as the baseline.
func (s *Service) EnsureDeckRepo(deck store.Deck, author string) error {
	lock := s.deckLock(deck.ID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(deck.ID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	hash, err := s.writeAndCommit(repo, deck, author, "Create deck")
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Snapshot commits the current deck state. Identical snapshots are
// collapsed: committing unchanged content returns the head commit.
func (s *Service) Snapshot(deck store.Deck, author, message string) (CommitInfo, error) {
	lock := s.deckLock(deck.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(deck.ID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	if head, ok := s.headIfUnchanged(repo, deck); ok {
		return head, nil
	}

	hash, err := s.writeAndCommit(repo, deck, author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists snapshots newest-first, capped at limit when limit > 0.
func (s *Service) History(deckID string, limit int) ([]CommitInfo, error) {
	lock := s.deckLock(deckID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(deckID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// GetDeckByHash loads the deck as it was at the given snapshot.
func (s *Service) GetDeckByHash(deckID, hash string) (store.Deck, error) {
	lock := s.deckLock(deckID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(deckID))
	if err != nil {
		return store.Deck{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return store.Deck{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return store.Deck{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readDeckFromCommit(commitObj)
}

func (s *Service) repoPath(deckID string) string {
	return filepath.Join(s.baseDir, deckID)
}

func (s *Service) deckLock(deckID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[deckID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[deckID] = lock
	return lock
}

func (s *Service) headIfUnchanged(repo *git.Repository, deck store.Deck) (CommitInfo, bool) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return CommitInfo{}, false
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, false
	}
	head, err := readDeckFromCommit(commitObj)
	if err != nil {
		return CommitInfo{}, false
	}
	if !sameDeckContent(head, deck) {
		return CommitInfo{}, false
	}
	return toCommitInfo(commitObj), true
}

func (s *Service) writeAndCommit(repo *git.Repository, deck store.Deck, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshotPayload(deck), "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal deck: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "deck.json"), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write deck.json: %w", err)
	}

	if _, err := worktree.Add("deck.json"); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add deck: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.slidequick.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit deck: %w", err)
	}
	return hash, nil
}

// snapshot is what gets serialized into deck.json. Timestamps stay out
// of it so identical content produces identical payloads.
type snapshot struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	OwnerID string        `json:"ownerId"`
	Slides  []store.Slide `json:"slides"`
}

func snapshotPayload(deck store.Deck) snapshot {
	slides := deck.Slides
	if slides == nil {
		slides = []store.Slide{}
	}
	return snapshot{ID: deck.ID, Name: deck.Name, OwnerID: deck.OwnerID, Slides: slides}
}

func sameDeckContent(a, b store.Deck) bool {
	ab, err := json.Marshal(snapshotPayload(a))
	if err != nil {
		return false
	}
	bb, err := json.Marshal(snapshotPayload(b))
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

func readDeckFromCommit(commitObj *object.Commit) (store.Deck, error) {
	file, err := commitObj.File("deck.json")
	if err != nil {
		return store.Deck{}, fmt.Errorf("load deck.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return store.Deck{}, fmt.Errorf("open deck reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return store.Deck{}, fmt.Errorf("read deck bytes: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return store.Deck{}, fmt.Errorf("decode deck snapshot: %w", err)
	}
	return store.Deck{ID: snap.ID, Name: snap.Name, OwnerID: snap.OwnerID, Slides: snap.Slides}, nil
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
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
