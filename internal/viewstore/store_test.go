package viewstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestViewLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()

	initial := []byte(`{"nodes":[{"id":"n1","label":"Order Service"}],"edges":[]}`)
	first, changed, err := svc.Save(ctx, "view-42", initial, "Avery")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !changed || first.Hash == "" {
		t.Fatalf("expected a first commit, got %+v changed=%v", first, changed)
	}
	if first.Author != "Avery" {
		t.Fatalf("expected author Avery, got %q", first.Author)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "view-42", contentFile)); err != nil {
		t.Fatalf("content file missing: %v", err)
	}

	view, err := svc.Load(ctx, "view-42")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(view.Content) != string(initial) {
		t.Fatalf("content not stored verbatim: %s", view.Content)
	}
	if view.Commit.Hash != first.Hash {
		t.Fatalf("expected head %s, got %s", first.Hash, view.Commit.Hash)
	}

	updated := []byte(`{"nodes":[{"id":"n1","label":"Order Service"},{"id":"n2"}],"edges":[]}`)
	second, changed, err := svc.Save(ctx, "view-42", updated, "Blake")
	if err != nil {
		t.Fatalf("Save() second error = %v", err)
	}
	if !changed || second.Hash == first.Hash {
		t.Fatalf("expected a new commit, got %+v", second)
	}

	history, err := svc.History(ctx, "view-42", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("expected newest-first history, got %+v", history)
	}

	old, err := svc.LoadRevision(ctx, "view-42", first.Hash)
	if err != nil {
		t.Fatalf("LoadRevision() error = %v", err)
	}
	if string(old.Content) != string(initial) {
		t.Fatalf("unexpected content at %s: %s", first.Hash, old.Content)
	}
}

func TestSaveIdenticalContentDoesNotCommit(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	content := []byte(`{"nodes":[]}`)

	first, _, err := svc.Save(ctx, "view-1", content, "Avery")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	again, changed, err := svc.Save(ctx, "view-1", content, "Blake")
	if err != nil {
		t.Fatalf("Save() again error = %v", err)
	}
	if changed {
		t.Fatal("identical content must not be committed again")
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected head %s, got %s", first.Hash, again.Hash)
	}
	history, err := svc.History(ctx, "view-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(history))
	}
}

func TestLoadUnknownView(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	if _, err := svc.Load(ctx, "view-missing"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound, got %v", err)
	}
	if _, err := svc.History(ctx, "view-missing", 10); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound from History, got %v", err)
	}
}

func TestLoadUnknownRevision(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	if _, _, err := svc.Save(ctx, "view-1", []byte(`{}`), "Avery"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := svc.LoadRevision(ctx, "view-1", "deadbee"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound for unknown revision, got %v", err)
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	for _, id := range []string{"", "..", "../escape", "a/b", ".hidden"} {
		if _, _, err := svc.Save(ctx, id, []byte(`{}`), "Avery"); !errors.Is(err, ErrInvalidViewID) {
			t.Fatalf("Save(%q) expected ErrInvalidViewID, got %v", id, err)
		}
	}
	if _, _, err := svc.Save(ctx, "view-1", []byte(`{"nodes":`), "Avery"); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestSaveHonorsCanceledContext(t *testing.T) {
	svc := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := svc.Save(ctx, "view-1", []byte(`{}`), "Avery"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentSavesSameView(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			content := []byte(fmt.Sprintf(`{"revision":%d}`, idx))
			if _, _, err := svc.Save(ctx, "view-1", content, "Avery"); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("Save() concurrent error = %v", err)
		}
	}

	history, err := svc.History(ctx, "view-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits, got %d", writers, len(history))
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Avery Q-Smith!"); got != "Avery.Q.Smith" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
	if got := sanitizeEmail("!!!"); got != "user" {
		t.Fatalf("sanitizeEmail() = %q, want user", got)
	}
}
