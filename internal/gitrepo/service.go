// Package gitrepo keeps a git history of every procedure. Each save commits
// the persistable payload as procedure.json on main; sign-offs are tagged.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"auditdesk/api/internal/procedure"
)

const (
	contentFile = "procedure.json"
	mainBranch  = "main"
)

var ErrNoHistory = errors.New("procedure has no history")

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type TagInfo struct {
	Name      string    `json:"name"`
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
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

// SignoffTagName names the tag placed on the commit a sign-off produced.
func SignoffTagName(reviewVersion int) string {
	return fmt.Sprintf("signoff-v%d", reviewVersion)
}

// Commit writes payload to the procedure's repository, creating it on first
// use. When the content equals HEAD no commit is made and HEAD is returned
// with changed=false.
func (s *Service) Commit(procedureID string, payload procedure.Payload, author, message string) (CommitInfo, bool, error) {
	lock := s.procedureLock(procedureID)
	lock.Lock()
	defer lock.Unlock()

	encoded, err := encodePayload(payload)
	if err != nil {
		return CommitInfo{}, false, err
	}

	repo, err := s.openOrInit(procedureID)
	if err != nil {
		return CommitInfo{}, false, err
	}

	if head, err := headCommit(repo); err == nil {
		current, err := readFile(head)
		if err == nil && bytes.Equal(current, encoded) {
			return toCommitInfo(head), false, nil
		}
	} else if !errors.Is(err, ErrNoHistory) {
		return CommitInfo{}, false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), encoded, 0o644); err != nil {
		return CommitInfo{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, false, fmt.Errorf("git add content: %w", err)
	}
	if strings.TrimSpace(message) == "" {
		message = "Save procedure"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

func (s *Service) Head(procedureID string) (procedure.Payload, CommitInfo, error) {
	lock := s.procedureLock(procedureID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(procedureID)
	if err != nil {
		return procedure.Payload{}, CommitInfo{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return procedure.Payload{}, CommitInfo{}, err
	}
	payload, err := readPayload(commitObj)
	if err != nil {
		return procedure.Payload{}, CommitInfo{}, err
	}
	return payload, toCommitInfo(commitObj), nil
}

// Snapshot returns the payload at a commit hash (full or abbreviated) or tag.
func (s *Service) Snapshot(procedureID, rev string) (procedure.Payload, CommitInfo, error) {
	lock := s.procedureLock(procedureID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(procedureID)
	if err != nil {
		return procedure.Payload{}, CommitInfo{}, err
	}
	hash, err := resolveHash(repo, rev)
	if err != nil {
		return procedure.Payload{}, CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return procedure.Payload{}, CommitInfo{}, fmt.Errorf("read commit %s: %w", rev, err)
	}
	payload, err := readPayload(commitObj)
	if err != nil {
		return procedure.Payload{}, CommitInfo{}, err
	}
	return payload, toCommitInfo(commitObj), nil
}

func (s *Service) History(procedureID string, limit int) ([]CommitInfo, error) {
	lock := s.procedureLock(procedureID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(procedureID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
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

// Tag places an annotated tag on rev. An existing tag of the same name is
// left where it is.
func (s *Service) Tag(procedureID, rev, name, tagger string) error {
	lock := s.procedureLock(procedureID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(procedureID)
	if err != nil {
		return err
	}
	hash, err := resolveHash(repo, rev)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger:  signature(tagger),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) Tags(procedureID string) ([]TagInfo, error) {
	lock := s.procedureLock(procedureID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(procedureID)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	items := make([]TagInfo, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		info := TagInfo{Name: ref.Name().Short(), Hash: shortHash(ref.Hash())}
		if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
			info.Hash = shortHash(tagObj.Target)
			info.Message = strings.TrimSpace(tagObj.Message)
			info.CreatedAt = tagObj.Tagger.When
		}
		items = append(items, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// Remove deletes the procedure's repository.
func (s *Service) Remove(procedureID string) error {
	lock := s.procedureLock(procedureID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(procedureID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(procedureID string) string {
	return filepath.Join(s.baseDir, procedureID)
}

func (s *Service) procedureLock(procedureID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[procedureID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[procedureID] = lock
	return lock
}

func (s *Service) open(procedureID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(procedureID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(procedureID string) (*git.Repository, error) {
	repo, err := s.open(procedureID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoHistory) {
		return nil, err
	}
	path := s.repoPath(procedureID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(mainBranch)},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func encodePayload(payload procedure.Payload) ([]byte, error) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return append(encoded, '\n'), nil
}

func readFile(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	return data, nil
}

func readPayload(commitObj *object.Commit) (procedure.Payload, error) {
	data, err := readFile(commitObj)
	if err != nil {
		return procedure.Payload{}, err
	}
	return procedure.DecodePayload(data)
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      shortHash(commitObj.Hash),
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func shortHash(h plumbing.Hash) string {
	return h.String()[:7]
}

func signature(name string) *object.Signature {
	if strings.TrimSpace(name) == "" {
		name = "Auditdesk"
	}
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@users.auditdesk.local", sanitizeEmail(name)),
		When:  time.Now(),
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
	return strings.ToLower(string(out))
}

// resolveHash accepts a full hash, an abbreviated hash or a tag name.
// Annotated tags are peeled to their commit.
func resolveHash(repo *git.Repository, rev string) (plumbing.Hash, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return plumbing.ZeroHash, fmt.Errorf("empty revision")
	}
	if ref, err := repo.Tag(rev); err == nil {
		if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
			return tagObj.Target, nil
		}
		return ref.Hash(), nil
	}
	if len(rev) == 40 {
		return plumbing.NewHash(rev), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	return *resolved, nil
}
