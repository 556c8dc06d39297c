package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newLocalRepo(t *testing.T) (*Repo, string) {
	t.Helper()
	path := t.TempDir()
	repo, err := Open(context.Background(), Options{
		Path:   path,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return repo, path
}

func TestOpenInitializesLocalRepo(t *testing.T) {
	repo, path := newLocalRepo(t)

	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		t.Fatalf("no .git directory: %v", err)
	}

	rev, err := repo.CurrentRevision()
	if err != nil {
		t.Fatalf("CurrentRevision: %v", err)
	}
	if rev != "" {
		t.Errorf("fresh repo revision = %q, want empty", rev)
	}
}

func TestCommitStagesEverything(t *testing.T) {
	repo, path := newLocalRepo(t)

	dir := filepath.Join(path, "local", "projects")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "p-1.yml"), []byte("name: payments\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rev, err := repo.Commit(context.Background(), "capture local: Project 1 created")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rev == "" {
		t.Fatal("expected a revision")
	}

	head, err := repo.CurrentRevision()
	if err != nil {
		t.Fatalf("CurrentRevision: %v", err)
	}
	if head != rev {
		t.Errorf("head = %q, commit = %q", head, rev)
	}
}

func TestCommitNothingToCommit(t *testing.T) {
	repo, path := newLocalRepo(t)

	if err := os.WriteFile(filepath.Join(path, "a.yml"), []byte("name: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	first, err := repo.Commit(context.Background(), "first")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	second, err := repo.Commit(context.Background(), "second")
	if err != nil {
		t.Fatalf("Commit with clean tree: %v", err)
	}
	if second != "" {
		t.Errorf("clean tree commit = %q, want empty revision", second)
	}

	head, _ := repo.CurrentRevision()
	if head != first {
		t.Errorf("head moved to %q, want %q", head, first)
	}
}

func TestCommitRecordsDeletions(t *testing.T) {
	repo, path := newLocalRepo(t)

	file := filepath.Join(path, "a.yml")
	if err := os.WriteFile(file, []byte("name: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Commit(context.Background(), "add"); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	rev, err := repo.Commit(context.Background(), "remove")
	if err != nil {
		t.Fatalf("Commit after delete: %v", err)
	}
	if rev == "" {
		t.Error("deletion should produce a commit")
	}
}

func TestPullAndPushAreNoOpsWithoutRemote(t *testing.T) {
	repo, _ := newLocalRepo(t)
	if err := repo.Pull(context.Background()); err != nil {
		t.Errorf("Pull: %v", err)
	}
	if err := repo.Push(context.Background()); err != nil {
		t.Errorf("Push: %v", err)
	}
}
