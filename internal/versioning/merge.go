package versioning

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	"loom/api/internal/lifecycle"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// StartMerge schedules an asynchronous merge of source into target and
// returns the job id. When reviewID names a finished review its conflict set
// is reused instead of being recomputed.
func (s *Service) StartMerge(ctx context.Context, source, target, reviewID string) (string, error) {
	if _, _, err := splitPath(source); err != nil {
		return "", err
	}
	if _, _, err := splitPath(target); err != nil {
		return "", err
	}

	job := &mergeJob{
		id:     newID("merge"),
		source: source,
		target: target,
		status: lifecycle.MergeScheduled,
	}
	s.jobMu.Lock()
	s.merges[job.id] = job
	s.jobMu.Unlock()

	author := lifecycle.Identity(ctx)
	go s.runMerge(job, reviewID, author)
	return job.id, nil
}

// GetMerge returns a snapshot of the merge job.
func (s *Service) GetMerge(ctx context.Context, mergeID string) (lifecycle.MergeResult, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job, ok := s.merges[mergeID]
	if !ok {
		return lifecycle.MergeResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, mergeID)
	}
	result := lifecycle.MergeResult{Status: job.status}
	if job.err != nil {
		errCopy := *job.err
		result.Error = &errCopy
	}
	return result, nil
}

func (s *Service) setMerge(job *mergeJob, status string, mergeErr *lifecycle.MergeError) {
	s.jobMu.Lock()
	job.status = status
	job.err = mergeErr
	s.jobMu.Unlock()
}

func (s *Service) runMerge(job *mergeJob, reviewID, author string) {
	s.setMerge(job, lifecycle.MergeInProgress, nil)

	conflicts, err := s.conflictSet(job.source, job.target, reviewID)
	if err != nil {
		log.Printf("versioning: merge %s failed: %v", job.id, err)
		s.setMerge(job, lifecycle.MergeFailed, &lifecycle.MergeError{Message: err.Error()})
		return
	}
	if len(conflicts) > 0 {
		s.setMerge(job, lifecycle.MergeConflicts, &lifecycle.MergeError{
			Message: fmt.Sprintf("conflicting changes in %s", strings.Join(conflicts, ", ")),
		})
		return
	}

	if err := s.applyMerge(job.source, job.target, author); err != nil {
		log.Printf("versioning: merge %s failed: %v", job.id, err)
		s.setMerge(job, lifecycle.MergeFailed, &lifecycle.MergeError{Message: err.Error()})
		return
	}
	s.setMerge(job, lifecycle.MergeCompleted, nil)
}

// conflictSet reuses the named review's result when available and otherwise
// computes the conflicts directly.
func (s *Service) conflictSet(source, target, reviewID string) ([]string, error) {
	if reviewID != "" {
		s.jobMu.Lock()
		review, ok := s.reviews[reviewID]
		var status string
		var conflicts []string
		if ok {
			status = review.status
			conflicts = append([]string(nil), review.conflicts...)
		}
		s.jobMu.Unlock()
		if ok && status == lifecycle.ReviewCurrent {
			return conflicts, nil
		}
	}
	return s.computeConflicts(source, target)
}

// applyMerge folds the source dataset into the target branch as a single
// copy commit, taking every changed field from source.
func (s *Service) applyMerge(source, target, author string) error {
	project, sourceBranch, err := splitPath(source)
	if err != nil {
		return err
	}
	_, targetBranch, err := splitPath(target)
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

	sourceHead, err := branchHead(repo, sourceBranch)
	if err != nil {
		return err
	}
	targetHead, err := branchHead(repo, targetBranch)
	if err != nil {
		return err
	}
	base, err := mergeBaseContent(sourceHead, targetHead)
	if err != nil {
		return err
	}
	sourceContent, err := readContentFromCommit(sourceHead)
	if err != nil {
		return err
	}
	targetContent, err := readContentFromCommit(targetHead)
	if err != nil {
		return err
	}

	merged := mergeContents(base, sourceContent, targetContent)
	message := fmt.Sprintf("Merge %s into %s", sourceBranch, targetBranch)
	if _, err := s.commit(repo, targetBranch, merged, author, message, true); err != nil {
		return err
	}
	return nil
}

// CreateMergeReview schedules conflict detection between source and target
// and returns the review id.
func (s *Service) CreateMergeReview(ctx context.Context, source, target string) (string, error) {
	if _, _, err := splitPath(source); err != nil {
		return "", err
	}
	if _, _, err := splitPath(target); err != nil {
		return "", err
	}

	review := &reviewJob{
		id:     newID("review"),
		source: source,
		target: target,
		status: lifecycle.MergeScheduled,
	}
	s.jobMu.Lock()
	s.reviews[review.id] = review
	s.jobMu.Unlock()

	go s.runReview(review)
	return review.id, nil
}

// GetMergeReviewResult reports the review status, lifecycle.ReviewCurrent
// once conflict detection has finished.
func (s *Service) GetMergeReviewResult(ctx context.Context, reviewID string) (string, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	review, ok := s.reviews[reviewID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrReviewNotFound, reviewID)
	}
	if review.err != "" {
		return "", fmt.Errorf("merge review failed: %s", review.err)
	}
	return review.status, nil
}

// GetMergeReviewConflicts lists the conflicting items of a finished review.
func (s *Service) GetMergeReviewConflicts(ctx context.Context, reviewID string) ([]string, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	review, ok := s.reviews[reviewID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReviewNotFound, reviewID)
	}
	return append([]string(nil), review.conflicts...), nil
}

func (s *Service) runReview(review *reviewJob) {
	s.jobMu.Lock()
	review.status = lifecycle.MergeInProgress
	s.jobMu.Unlock()

	conflicts, err := s.computeConflicts(review.source, review.target)

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if err != nil {
		log.Printf("versioning: review %s failed: %v", review.id, err)
		review.err = err.Error()
		return
	}
	review.conflicts = conflicts
	review.status = lifecycle.ReviewCurrent
}

// computeConflicts runs a three-way comparison between the two branch heads
// and their merge base. An item conflicts when both sides changed it away
// from the base to different values.
func (s *Service) computeConflicts(source, target string) ([]string, error) {
	project, sourceBranch, err := splitPath(source)
	if err != nil {
		return nil, err
	}
	_, targetBranch, err := splitPath(target)
	if err != nil {
		return nil, err
	}

	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(project))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	sourceHead, err := branchHead(repo, sourceBranch)
	if err != nil {
		return nil, err
	}
	targetHead, err := branchHead(repo, targetBranch)
	if err != nil {
		return nil, err
	}
	base, err := mergeBaseContent(sourceHead, targetHead)
	if err != nil {
		return nil, err
	}
	sourceContent, err := readContentFromCommit(sourceHead)
	if err != nil {
		return nil, err
	}
	targetContent, err := readContentFromCommit(targetHead)
	if err != nil {
		return nil, err
	}
	return conflictingItems(base, sourceContent, targetContent), nil
}

func mergeBaseContent(a, b *object.Commit) (Content, error) {
	bases, err := a.MergeBase(b)
	if err != nil {
		return Content{}, fmt.Errorf("find merge base: %w", err)
	}
	if len(bases) == 0 {
		return Content{}, nil
	}
	return readContentFromCommit(bases[0])
}

func conflictingItems(base, source, target Content) []string {
	var items []string
	if changed(base.Title, source.Title) && changed(base.Title, target.Title) && source.Title != target.Title {
		items = append(items, "title")
	}
	if changed(base.Summary, source.Summary) && changed(base.Summary, target.Summary) && source.Summary != target.Summary {
		items = append(items, "summary")
	}
	if rawChanged(base.Doc, source.Doc) && rawChanged(base.Doc, target.Doc) && !bytes.Equal(normalizeRaw(source.Doc), normalizeRaw(target.Doc)) {
		items = append(items, "doc")
	}
	for _, name := range sortedFieldNames(base, source, target) {
		baseVal := base.Fields[name]
		sourceVal := source.Fields[name]
		targetVal := target.Fields[name]
		if changed(baseVal, sourceVal) && changed(baseVal, targetVal) && sourceVal != targetVal {
			items = append(items, "fields/"+name)
		}
	}
	return items
}

// mergeContents resolves a conflict-free merge field by field, preferring the
// side that diverged from the base.
func mergeContents(base, source, target Content) Content {
	merged := target
	if changed(base.Title, source.Title) {
		merged.Title = source.Title
	}
	if changed(base.Summary, source.Summary) {
		merged.Summary = source.Summary
	}
	if rawChanged(base.Doc, source.Doc) {
		merged.Doc = source.Doc
	}
	fields := make(map[string]string)
	for name, value := range target.Fields {
		fields[name] = value
	}
	for _, name := range sortedFieldNames(base, source) {
		if changed(base.Fields[name], source.Fields[name]) {
			if source.Fields[name] == "" {
				delete(fields, name)
				continue
			}
			fields[name] = source.Fields[name]
		}
	}
	if len(fields) == 0 {
		fields = nil
	}
	merged.Fields = fields
	return merged
}

func changed(base, side string) bool {
	return base != side
}

func rawChanged(base, side []byte) bool {
	return !bytes.Equal(normalizeRaw(base), normalizeRaw(side))
}

func normalizeRaw(raw []byte) []byte {
	return bytes.TrimSpace(raw)
}
