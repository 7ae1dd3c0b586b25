package lifecycle

import (
	"context"
	"sync"
)

type fakeVersioning struct {
	startMergeFn              func(ctx context.Context, source, target, reviewID string) (string, error)
	getMergeFn                func(ctx context.Context, mergeID string) (MergeResult, error)
	createMergeReviewFn       func(ctx context.Context, source, target string) (string, error)
	getMergeReviewResultFn    func(ctx context.Context, reviewID string) (string, error)
	getMergeReviewConflictsFn func(ctx context.Context, reviewID string) ([]string, error)
	getBranchFn               func(ctx context.Context, path string) (BranchInfo, error)
}

func (f *fakeVersioning) StartMerge(ctx context.Context, source, target, reviewID string) (string, error) {
	if f.startMergeFn != nil {
		return f.startMergeFn(ctx, source, target, reviewID)
	}
	return "merge-1", nil
}

func (f *fakeVersioning) GetMerge(ctx context.Context, mergeID string) (MergeResult, error) {
	if f.getMergeFn != nil {
		return f.getMergeFn(ctx, mergeID)
	}
	return MergeResult{Status: MergeCompleted}, nil
}

func (f *fakeVersioning) CreateMergeReview(ctx context.Context, source, target string) (string, error) {
	if f.createMergeReviewFn != nil {
		return f.createMergeReviewFn(ctx, source, target)
	}
	return "review-1", nil
}

func (f *fakeVersioning) GetMergeReviewResult(ctx context.Context, reviewID string) (string, error) {
	if f.getMergeReviewResultFn != nil {
		return f.getMergeReviewResultFn(ctx, reviewID)
	}
	return ReviewCurrent, nil
}

func (f *fakeVersioning) GetMergeReviewConflicts(ctx context.Context, reviewID string) ([]string, error) {
	if f.getMergeReviewConflictsFn != nil {
		return f.getMergeReviewConflictsFn(ctx, reviewID)
	}
	return nil, nil
}

func (f *fakeVersioning) GetBranch(ctx context.Context, path string) (BranchInfo, error) {
	if f.getBranchFn != nil {
		return f.getBranchFn(ctx, path)
	}
	return BranchInfo{Path: path, Relation: RelationBehind}, nil
}

// fakeMerger stands in for the Coordinator so pipeline and sweep tests do not
// run the poll loop.
type fakeMerger struct {
	mergeFn          func(ctx context.Context, source, target, reviewID string) (MergeResult, error)
	generateReviewFn func(ctx context.Context, source, target string) (string, error)

	mu     sync.Mutex
	merges []string
}

func (f *fakeMerger) Merge(ctx context.Context, source, target, reviewID string) (MergeResult, error) {
	f.mu.Lock()
	f.merges = append(f.merges, source+" -> "+target)
	f.mu.Unlock()
	if f.mergeFn != nil {
		return f.mergeFn(ctx, source, target, reviewID)
	}
	return MergeResult{Status: MergeCompleted}, nil
}

func (f *fakeMerger) GenerateReview(ctx context.Context, source, target string) (string, error) {
	if f.generateReviewFn != nil {
		return f.generateReviewFn(ctx, source, target)
	}
	return "review-1", nil
}

func (f *fakeMerger) mergeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.merges)
}

type fakeChecks struct {
	runCheckFn func(ctx context.Context, ref BranchRef) (bool, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeChecks) RunCheck(ctx context.Context, ref BranchRef) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.runCheckFn != nil {
		return f.runCheckFn(ctx, ref)
	}
	return false, nil
}

func (f *fakeChecks) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	resolveTaskFn func(ctx context.Context, projectKey, taskKey string) (TaskBranch, error)
}

func (f *fakeResolver) ResolveTask(ctx context.Context, projectKey, taskKey string) (TaskBranch, error) {
	if f.resolveTaskFn != nil {
		return f.resolveTaskFn(ctx, projectKey, taskKey)
	}
	return TaskBranch{
		SourcePath: projectKey + "/" + taskKey,
		TargetPath: projectKey + "/main",
		Recipient:  "author@local.loom.dev",
	}, nil
}

type publishedNotification struct {
	Recipient    string
	Notification Notification
}

type fakeNotify struct {
	mu        sync.Mutex
	published []publishedNotification
}

func (f *fakeNotify) Publish(ctx context.Context, recipient string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedNotification{Recipient: recipient, Notification: n})
	return nil
}

func (f *fakeNotify) all() []publishedNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedNotification, len(f.published))
	copy(out, f.published)
	return out
}

type fakeTickets struct {
	mu       sync.Mutex
	promoted []string
}

func (f *fakeTickets) MarkPromoted(ctx context.Context, projectKey, taskKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, projectKey+"/"+taskKey)
	return nil
}

func (f *fakeTickets) promotedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.promoted)
}

type fakeLister struct {
	listBranchesFn func(ctx context.Context) ([]SweepBranch, error)
}

func (f *fakeLister) ListBranches(ctx context.Context) ([]SweepBranch, error) {
	if f.listBranchesFn != nil {
		return f.listBranchesFn(ctx)
	}
	return nil, nil
}

type fakeEngine struct {
	isRunningFn             func(ctx context.Context, path string) (bool, error)
	startFn                 func(ctx context.Context, path string) (string, error)
	waitForCompletionFn     func(ctx context.Context, handle string) error
	hasOutstandingChangesFn func(ctx context.Context, handle string) (bool, error)
}

func (f *fakeEngine) IsRunning(ctx context.Context, path string) (bool, error) {
	if f.isRunningFn != nil {
		return f.isRunningFn(ctx, path)
	}
	return false, nil
}

func (f *fakeEngine) Start(ctx context.Context, path string) (string, error) {
	if f.startFn != nil {
		return f.startFn(ctx, path)
	}
	return "run-1", nil
}

func (f *fakeEngine) WaitForCompletion(ctx context.Context, handle string) error {
	if f.waitForCompletionFn != nil {
		return f.waitForCompletionFn(ctx, handle)
	}
	return nil
}

func (f *fakeEngine) HasOutstandingChanges(ctx context.Context, handle string) (bool, error) {
	if f.hasOutstandingChangesFn != nil {
		return f.hasOutstandingChangesFn(ctx, handle)
	}
	return false, nil
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]ClassificationResult
	invalidated []string
}

func (f *fakeCache) Put(ctx context.Context, branchPath string, result ClassificationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string]ClassificationResult)
	}
	f.entries[branchPath] = result
	return nil
}

func (f *fakeCache) Get(ctx context.Context, branchPath string) (ClassificationResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.entries[branchPath]
	return result, ok, nil
}

func (f *fakeCache) Invalidate(ctx context.Context, branchPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, branchPath)
	f.invalidated = append(f.invalidated, branchPath)
	return nil
}

func (f *fakeCache) invalidatedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.invalidated))
	copy(out, f.invalidated)
	return out
}
