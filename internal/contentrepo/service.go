// Package contentrepo stores document content as git repositories, one per
// document, with a linear history of snapshots on main. Each snapshot holds
// metadata.json plus either body.json or chapters/<id>.json files.
package contentrepo

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"marginalia/api/internal/highlight"
	"marginalia/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/zeebo/blake3"
)

// Metadata is the document-level descriptive part of a snapshot.
type Metadata struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Language string `json:"language,omitempty"`
}

// Snapshot is one full content state of a document. Single-body documents
// carry Body; chaptered documents carry Chapters keyed by chapter id.
type Snapshot struct {
	Metadata Metadata
	Body     highlight.Content
	Chapters map[string]highlight.Content
}

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

// Fingerprint returns the revision identifier for a plain-text projection.
func Fingerprint(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CommitSnapshot writes a snapshot and commits it on main, initializing the
// repository on first use. Committing an unchanged snapshot is a no-op that
// returns the current head.
func (s *Service) CommitSnapshot(documentID string, snap Snapshot, author, message string) (store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, created, err := s.ensureRepo(documentID)
	if err != nil {
		return store.CommitInfo{}, err
	}
	if !created {
		if err := checkoutMain(repo); err != nil {
			return store.CommitInfo{}, err
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()

	if err := writeSnapshotFiles(worktree, repoRoot, snap); err != nil {
		return store.CommitInfo{}, err
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.marginalia.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return s.headInfo(repo)
	}
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	if created {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return store.CommitInfo{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return store.CommitInfo{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// HeadSnapshot reads the current content state of a document.
func (s *Service) HeadSnapshot(documentID string) (Snapshot, store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	snap, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// SnapshotAt reads the content state at a specific commit.
func (s *Service) SnapshotAt(documentID, hash string) (Snapshot, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshotFromCommit(commitObj)
}

func (s *Service) History(documentID string, limit int) ([]store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
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

	items := make([]store.CommitInfo, 0, limit)
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

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) ensureRepo(documentID string) (*git.Repository, bool, error) {
	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, false, fmt.Errorf("open repo: %w", err)
		}
		return repo, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func (s *Service) headInfo(repo *git.Repository) (store.CommitInfo, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("load head commit: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func writeSnapshotFiles(worktree *git.Worktree, repoRoot string, snap Snapshot) error {
	if err := writeJSONFile(filepath.Join(repoRoot, "metadata.json"), snap.Metadata); err != nil {
		return err
	}
	if _, err := worktree.Add("metadata.json"); err != nil {
		return fmt.Errorf("git add metadata: %w", err)
	}

	if snap.Body != nil {
		if err := writeJSONFile(filepath.Join(repoRoot, "body.json"), snap.Body); err != nil {
			return err
		}
		if _, err := worktree.Add("body.json"); err != nil {
			return fmt.Errorf("git add body: %w", err)
		}
	} else if _, err := os.Stat(filepath.Join(repoRoot, "body.json")); err == nil {
		if _, err := worktree.Remove("body.json"); err != nil {
			return fmt.Errorf("git remove body: %w", err)
		}
	}

	if len(snap.Chapters) > 0 {
		if err := os.MkdirAll(filepath.Join(repoRoot, "chapters"), 0o755); err != nil {
			return fmt.Errorf("create chapters dir: %w", err)
		}
	}
	for chapterID, content := range snap.Chapters {
		rel := filepath.Join("chapters", chapterID+".json")
		if err := writeJSONFile(filepath.Join(repoRoot, rel), content); err != nil {
			return err
		}
		if _, err := worktree.Add(rel); err != nil {
			return fmt.Errorf("git add chapter %s: %w", chapterID, err)
		}
	}

	// Drop chapter files that left the snapshot.
	entries, err := os.ReadDir(filepath.Join(repoRoot, "chapters"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read chapters dir: %w", err)
	}
	for _, entry := range entries {
		chapterID := strings.TrimSuffix(entry.Name(), ".json")
		if _, ok := snap.Chapters[chapterID]; ok {
			continue
		}
		if _, err := worktree.Remove(filepath.Join("chapters", entry.Name())); err != nil {
			return fmt.Errorf("git remove chapter %s: %w", chapterID, err)
		}
	}
	return nil
}

func writeJSONFile(path string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readSnapshotFromCommit(commitObj *object.Commit) (Snapshot, error) {
	var snap Snapshot
	if err := readJSONFromCommit(commitObj, "metadata.json", &snap.Metadata); err != nil {
		return Snapshot{}, err
	}

	if file, err := commitObj.File("body.json"); err == nil {
		content, err := readContentFile(file)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Body = content
	} else if !errors.Is(err, object.ErrFileNotFound) {
		return Snapshot{}, fmt.Errorf("load body.json: %w", err)
	}

	iter, err := commitObj.Files()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list commit files: %w", err)
	}
	defer iter.Close()
	err = iter.ForEach(func(file *object.File) error {
		if !strings.HasPrefix(file.Name, "chapters/") || !strings.HasSuffix(file.Name, ".json") {
			return nil
		}
		chapterID := strings.TrimSuffix(strings.TrimPrefix(file.Name, "chapters/"), ".json")
		content, err := readContentFile(file)
		if err != nil {
			return err
		}
		if snap.Chapters == nil {
			snap.Chapters = make(map[string]highlight.Content)
		}
		snap.Chapters[chapterID] = content
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func readJSONFromCommit(commitObj *object.Commit, name string, out any) error {
	file, err := commitObj.File(name)
	if err != nil {
		return fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read %s bytes: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func readContentFile(file *object.File) (highlight.Content, error) {
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", file.Name, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s bytes: %w", file.Name, err)
	}
	content, err := highlight.ParseContent(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", file.Name, err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func checkoutMain(repo *git.Repository) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName("main")
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create main checkout: %w", err)
			}
			return nil
		}
		return fmt.Errorf("resolve main: %w", err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout main: %w", err)
	}
	return nil
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "reader"
	}
	return string(runes)
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
