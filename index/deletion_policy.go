package index

// DeletionPolicy decides which commits to drop after a new commit.
type DeletionPolicy interface {
	// OnCommit receives every kept commit, oldest first, with the newest
	// commit last, and returns the ones to delete. The newest commit is
	// never deleted.
	OnCommit(commits []*CommitPoint) []*CommitPoint
}

// KeepOnlyLastCommit deletes every commit but the newest.
type KeepOnlyLastCommit struct{}

func (KeepOnlyLastCommit) OnCommit(commits []*CommitPoint) []*CommitPoint {
	return KeepLastCommits{N: 1}.OnCommit(commits)
}

// KeepLastCommits keeps the newest N commits.
type KeepLastCommits struct {
	N int
}

func (p KeepLastCommits) OnCommit(commits []*CommitPoint) []*CommitPoint {
	keep := max(p.N, 1)
	if len(commits) <= keep {
		return nil
	}
	return commits[:len(commits)-keep]
}
