// Package versioning manages per-project git repositories holding each
// project's hierarchical content dataset and exposes the branch and merge
// surface the lifecycle consumes: branch relations, merge reviews and
// asynchronous merge jobs.
package versioning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"loom/api/internal/lifecycle"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.json"

var (
	ErrBranchNotFound = errors.New("branch not found")
	ErrJobNotFound    = errors.New("merge job not found")
	ErrReviewNotFound = errors.New("merge review not found")
)

// Content is the hierarchical dataset stored at the head of every branch.
// Named fields cover the common envelope; Fields carries the free-form
// sections authors edit, and Doc the rich nested document.
type Content struct {
	Title   string            `json:"title"`
	Summary string            `json:"summary"`
	Fields  map[string]string `json:"fields,omitempty"`
	Doc     json.RawMessage   `json:"doc,omitempty"`
}

type mergeJob struct {
	id     string
	source string
	target string
	status string
	err    *lifecycle.MergeError
}

type reviewJob struct {
	id        string
	source    string
	target    string
	status    string
	conflicts []string
	err       string
}

// Service is safe for concurrent use; all repository mutation for one project
// runs under that project's lock.
type Service struct {
	baseDir string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	jobMu   sync.Mutex
	merges  map[string]*mergeJob
	reviews map[string]*reviewJob
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		merges:  make(map[string]*mergeJob),
		reviews: make(map[string]*reviewJob),
	}
}

// splitPath separates "<project>/<branch>" into its components.
func splitPath(path string) (project, branch string, err error) {
	project, branch, ok := strings.Cut(path, "/")
	if !ok || project == "" || branch == "" {
		return "", "", fmt.Errorf("invalid branch path %q, want project/branch", path)
	}
	return project, branch, nil
}

// EnsureProject initializes the project repository with an initial dataset on
// main. Existing projects are left untouched.
func (s *Service) EnsureProject(project string, initial Content, author string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(project)
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

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, contentFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial content: %w", err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Import project baseline", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CreateBranch creates path off parentPath (both "<project>/<branch>") and
// records the parent relationship. Creating an existing branch is a no-op.
func (s *Service) CreateBranch(path, parentPath string) error {
	project, branch, err := splitPath(path)
	if err != nil {
		return err
	}
	parentProject, parent, err := splitPath(parentPath)
	if err != nil {
		return err
	}
	if parentProject != project {
		return fmt.Errorf("parent %q is in a different project than %q", parentPath, path)
	}

	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(project))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(parent), true)
	if err != nil {
		return fmt.Errorf("read parent branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return s.recordParent(project, branch, parent)
}

// Commit writes a new dataset revision at the head of the branch.
func (s *Service) Commit(path string, content Content, author, message string) error {
	project, branch, err := splitPath(path)
	if err != nil {
		return err
	}
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(project))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	_, err = s.commit(repo, branch, content, author, message, false)
	return err
}

// GetContent returns the dataset at the head of the branch.
func (s *Service) GetContent(path string) (Content, error) {
	project, branch, err := splitPath(path)
	if err != nil {
		return Content{}, err
	}
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(project))
	if err != nil {
		return Content{}, fmt.Errorf("open repo: %w", err)
	}
	commit, err := branchHead(repo, branch)
	if err != nil {
		return Content{}, err
	}
	return readContentFromCommit(commit)
}

// GetBranch reports the branch together with its relation to its parent.
func (s *Service) GetBranch(ctx context.Context, path string) (lifecycle.BranchInfo, error) {
	project, branch, err := splitPath(path)
	if err != nil {
		return lifecycle.BranchInfo{}, err
	}
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(project))
	if err != nil {
		return lifecycle.BranchInfo{}, fmt.Errorf("open repo: %w", err)
	}

	head, err := branchHead(repo, branch)
	if err != nil {
		return lifecycle.BranchInfo{}, err
	}

	parent, err := s.parentOf(project, branch)
	if err != nil {
		return lifecycle.BranchInfo{}, err
	}
	info := lifecycle.BranchInfo{
		Path:      path,
		Parent:    project + "/" + parent,
		UpdatedAt: head.Author.When,
	}
	if branch == parent {
		info.Relation = lifecycle.RelationUpToDate
		return info, nil
	}

	parentHead, err := branchHead(repo, parent)
	if err != nil {
		return lifecycle.BranchInfo{}, err
	}
	info.Relation, err = relation(head, parentHead)
	if err != nil {
		return lifecycle.BranchInfo{}, err
	}
	return info, nil
}

// relation classifies the branch head against its parent head by ancestry.
func relation(head, parentHead *object.Commit) (string, error) {
	if head.Hash == parentHead.Hash {
		return lifecycle.RelationUpToDate, nil
	}
	parentIsAncestor, err := parentHead.IsAncestor(head)
	if err != nil {
		return "", fmt.Errorf("walk ancestry: %w", err)
	}
	if parentIsAncestor {
		return lifecycle.RelationForward, nil
	}
	headIsAncestor, err := head.IsAncestor(parentHead)
	if err != nil {
		return "", fmt.Errorf("walk ancestry: %w", err)
	}
	if headIsAncestor {
		return lifecycle.RelationBehind, nil
	}
	return lifecycle.RelationDiverged, nil
}

func (s *Service) repoPath(project string) string {
	return filepath.Join(s.baseDir, project)
}

func (s *Service) projectLock(project string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[project]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[project] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, branch string, content Content, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branch); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branch string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branch, err)
	}
	return nil
}

func branchHead(repo *git.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commit, nil
}

func readContentFromCommit(commit *object.Commit) (Content, error) {
	file, err := commit.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func signature(author string) *object.Signature {
	if strings.TrimSpace(author) == "" {
		author = "loom"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.loom.dev", sanitizeEmail(author)),
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
	return string(out)
}

func newID(prefix string) string {
	raw := make([]byte, 8)
	_, _ = rand.Read(raw)
	return prefix + "-" + hex.EncodeToString(raw)
}

// parents.json sits next to the repository and maps branch name to parent
// branch name. Branches without an entry default to main.

func (s *Service) parentsPath(project string) string {
	return filepath.Join(s.repoPath(project), "parents.json")
}

func (s *Service) parentOf(project, branch string) (string, error) {
	parents, err := s.readParents(project)
	if err != nil {
		return "", err
	}
	if parent, ok := parents[branch]; ok {
		return parent, nil
	}
	return "main", nil
}

func (s *Service) readParents(project string) (map[string]string, error) {
	raw, err := os.ReadFile(s.parentsPath(project))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read parents.json: %w", err)
	}
	parents := make(map[string]string)
	if err := json.Unmarshal(raw, &parents); err != nil {
		return nil, fmt.Errorf("decode parents.json: %w", err)
	}
	return parents, nil
}

func (s *Service) recordParent(project, branch, parent string) error {
	parents, err := s.readParents(project)
	if err != nil {
		return err
	}
	parents[branch] = parent
	payload, err := json.MarshalIndent(parents, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal parents.json: %w", err)
	}
	if err := os.WriteFile(s.parentsPath(project), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write parents.json: %w", err)
	}
	return nil
}

// sortedFieldNames returns the union of field names across datasets, sorted
// for stable conflict reports.
func sortedFieldNames(contents ...Content) []string {
	seen := make(map[string]struct{})
	for _, c := range contents {
		for name := range c.Fields {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
