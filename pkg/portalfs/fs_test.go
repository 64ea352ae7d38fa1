package portalfs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/portalsfs/portalsfs/pkg/editor"
	"github.com/portalsfs/portalsfs/pkg/metadata"
	"github.com/portalsfs/portalsfs/pkg/schema"
)

const homeCopy = "/site/web-pages/home/Home.en-US.webpage.copy.html"

type fakePopulator struct {
	fs    *FS
	files *metadata.FileDataMap
	calls atomic.Int32
	err   error
}

func (p *fakePopulator) Populate(ctx context.Context) error {
	p.calls.Add(1)
	if p.err != nil {
		return p.err
	}
	p.files.SetFile(homeCopy, metadata.FileData{
		EntityID:      "e1",
		EntityType:    "webpages",
		AttributePath: metadata.AttributePath{Source: "adx_copy"},
	})
	return p.fs.PopulateFile(homeCopy, []byte("A"))
}

type fakeSaver struct {
	mu    sync.Mutex
	calls []string
	err   error
	// during is called inside Save, before it returns.
	during func()
}

func (s *fakeSaver) Save(ctx context.Context, p string, content []byte) error {
	s.mu.Lock()
	s.calls = append(s.calls, string(content))
	s.mu.Unlock()
	if s.during != nil {
		s.during()
	}
	return s.err
}

func (s *fakeSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type harness struct {
	fs     *FS
	files  *metadata.FileDataMap
	pop    *fakePopulator
	saver  *fakeSaver
	editor *editor.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	table, err := schema.Load("portal_schema_v1")
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	h := &harness{
		files:  metadata.NewFileDataMap(),
		saver:  &fakeSaver{},
		editor: &editor.Recorder{},
	}
	h.pop = &fakePopulator{files: h.files}
	h.fs = New(Options{
		ContentRoot: "site",
		Schema:      table,
		Files:       h.files,
		Populator:   h.pop,
		Saver:       h.saver,
		Editor:      h.editor,
		Debounce:    20 * time.Millisecond,
	})
	h.pop.fs = h.fs
	t.Cleanup(h.fs.Close)
	return h
}

func TestReadDirectorySoftMiss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, p := range []string{"/elsewhere", "/site/web-pages", "/site/web-pages/missing"} {
		entries, err := h.fs.ReadDirectory(ctx, p)
		if err != nil {
			t.Errorf("ReadDirectory(%s) error: %v", p, err)
		}
		if len(entries) != 0 {
			t.Errorf("ReadDirectory(%s) = %v, want empty", p, entries)
		}
	}
	if h.pop.calls.Load() != 0 {
		t.Errorf("population triggered %d times for non-root paths", h.pop.calls.Load())
	}
}

func TestReadDirectoryContentRootPopulates(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := h.fs.ReadDirectory(context.Background(), "/site")
			if err != nil {
				t.Errorf("ReadDirectory: %v", err)
				return
			}
			if len(entries) != 1 || entries[0].Name != "web-pages" || entries[0].Type != TypeDirectory {
				t.Errorf("entries = %v", entries)
			}
		}()
	}
	wg.Wait()

	if got := h.pop.calls.Load(); got != 1 {
		t.Errorf("population ran %d times, want 1", got)
	}
}

func TestReadFile(t *testing.T) {
	t.Run("entity folder miss populates", func(t *testing.T) {
		h := newHarness(t)
		got, err := h.fs.ReadFile(context.Background(), homeCopy)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if string(got) != "A" {
			t.Errorf("content = %q", got)
		}
		if h.pop.calls.Load() != 1 {
			t.Errorf("population calls = %d", h.pop.calls.Load())
		}
	})

	t.Run("other miss is empty", func(t *testing.T) {
		h := newHarness(t)
		got, err := h.fs.ReadFile(context.Background(), "/site/notes.txt")
		if err != nil || len(got) != 0 {
			t.Errorf("ReadFile = %q, %v", got, err)
		}
		if h.pop.calls.Load() != 0 {
			t.Error("population should not run outside entity folders")
		}
	})

	t.Run("still missing after population is empty", func(t *testing.T) {
		h := newHarness(t)
		got, err := h.fs.ReadFile(context.Background(), "/site/web-pages/home/gone.html")
		if err != nil || len(got) != 0 {
			t.Errorf("ReadFile = %q, %v", got, err)
		}
	})

	t.Run("directory", func(t *testing.T) {
		h := newHarness(t)
		h.fs.MkdirAll("/site/web-pages")
		_, err := h.fs.ReadFile(context.Background(), "/site/web-pages")
		if !errors.Is(err, ErrFileIsADirectory) {
			t.Errorf("expected ErrFileIsADirectory, got %v", err)
		}
	})
}

func TestStat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.fs.Stat(ctx, homeCopy)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Type != TypeFile || st.Size != 1 {
		t.Errorf("stat = %+v", st)
	}

	if _, err := h.fs.Stat(ctx, "/site/web-pages/home/none.html"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
	if _, err := h.fs.Stat(ctx, "/nowhere"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
	if h.pop.calls.Load() != 1 {
		t.Errorf("population calls = %d", h.pop.calls.Load())
	}
}

func TestPopulationWithoutPermissions(t *testing.T) {
	h := newHarness(t)
	h.pop.err = ErrNoPermissions

	if _, err := h.fs.ReadDirectory(context.Background(), "/site"); !errors.Is(err, ErrNoPermissions) {
		t.Errorf("expected ErrNoPermissions, got %v", err)
	}

	h.pop.err = nil
	entries, err := h.fs.ReadDirectory(context.Background(), "/site")
	if err != nil || len(entries) != 1 {
		t.Errorf("retry after failure = %v, %v", entries, err)
	}
}

func TestPartialPopulationFailureIsFinal(t *testing.T) {
	h := newHarness(t)
	h.pop.err = errors.New("list adx_webfiles: 500")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := h.fs.Stat(ctx, "/site/web-pages/.git"); !errors.Is(err, ErrFileNotFound) {
			t.Fatalf("Stat() = %v, want ErrFileNotFound", err)
		}
		if got, err := h.fs.ReadFile(ctx, "/site/web-pages/x/.editorconfig"); err != nil || len(got) != 0 {
			t.Fatalf("ReadFile() = %q, %v", got, err)
		}
	}
	if n := h.pop.calls.Load(); n != 1 {
		t.Errorf("population calls = %d, want 1", n)
	}
}

func TestWriteFileErrors(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("/site/dir")
	h.fs.PopulateFile("/site/existing.txt", []byte("x"))
	ctx := context.Background()

	tests := []struct {
		name string
		path string
		opts WriteOptions
		want error
	}{
		{"directory", "/site/dir", WriteOptions{Create: true, Overwrite: true}, ErrFileIsADirectory},
		{"absent without create", "/site/new.txt", WriteOptions{Overwrite: true}, ErrFileNotFound},
		{"present without overwrite", "/site/existing.txt", WriteOptions{Create: true}, ErrFileExists},
		{"missing parent", "/site/nope/new.txt", WriteOptions{Create: true}, ErrFileNotFound},
		{"parent is a file", "/site/existing.txt/child", WriteOptions{Create: true}, ErrFileNotADirectory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.fs.WriteFile(ctx, tt.path, []byte("y"), tt.opts)
			if !errors.Is(err, tt.want) {
				t.Errorf("WriteFile() = %v, want %v", err, tt.want)
			}
		})
	}
	if h.saver.count() != 0 {
		t.Error("saver must not run for rejected writes")
	}
}

func TestWriteUntrackedFile(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("/site")
	ctx := context.Background()

	if err := h.fs.WriteFile(ctx, "/site/scratch.txt", []byte("hello"), WriteOptions{Create: true}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, _ := h.fs.ReadFile(ctx, "/site/scratch.txt")
	if string(got) != "hello" {
		t.Errorf("content = %q", got)
	}
	if h.saver.count() != 0 {
		t.Error("untracked files must not be saved remotely")
	}
}

func TestWriteTrackedFileSavesFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.fs.ReadFile(ctx, homeCopy); err != nil {
		t.Fatal(err)
	}

	h.saver.during = func() {
		got, _ := h.fs.ReadFile(ctx, homeCopy)
		if string(got) != "A" {
			t.Errorf("bytes applied before save finished: %q", got)
		}
	}
	if err := h.fs.WriteFile(ctx, homeCopy, []byte("B"), WriteOptions{Create: true, Overwrite: true}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if h.saver.count() != 1 {
		t.Errorf("save attempts = %d, want 1", h.saver.count())
	}
	got, _ := h.fs.ReadFile(ctx, homeCopy)
	if string(got) != "B" {
		t.Errorf("content = %q", got)
	}
	if !h.files.FileHasDirtyChanges(homeCopy) {
		t.Error("dirty flag not set")
	}
	if len(h.editor.Progress()) != 1 {
		t.Errorf("progress indicators = %v", h.editor.Progress())
	}
}

func TestWriteTrackedFileSaveFailureKeepsBytes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fs.ReadFile(ctx, homeCopy)

	boom := errors.New("boom")
	h.saver.err = boom
	before, _ := h.fs.Stat(ctx, homeCopy)

	err := h.fs.WriteFile(ctx, homeCopy, []byte("BBBB"), WriteOptions{Create: true, Overwrite: true})
	if !errors.Is(err, boom) {
		t.Fatalf("expected save error, got %v", err)
	}
	got, _ := h.fs.ReadFile(ctx, homeCopy)
	if string(got) != "A" {
		t.Errorf("content changed on failed save: %q", got)
	}
	after, _ := h.fs.Stat(ctx, homeCopy)
	if after.Size != before.Size || !after.Mtime.Equal(before.Mtime) {
		t.Error("stat changed on failed save")
	}
	if h.files.FileHasDirtyChanges(homeCopy) {
		t.Error("dirty flag set on failed save")
	}
}

func TestCreateDirectory(t *testing.T) {
	h := newHarness(t)

	if err := h.fs.CreateDirectory("/a/b"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
	if err := h.fs.CreateDirectory("/a"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := h.fs.CreateDirectory("/a/b"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := h.fs.CreateDirectory("/a"); !errors.Is(err, ErrFileExists) {
		t.Errorf("expected ErrFileExists, got %v", err)
	}
	st, err := h.fs.Stat(context.Background(), "/a/b")
	if err != nil || st.Type != TypeDirectory {
		t.Errorf("stat = %+v, %v", st, err)
	}
}

func TestRenameAndDeleteUnsupported(t *testing.T) {
	h := newHarness(t)
	h.fs.PopulateFile("/site/a.txt", []byte("x"))

	if err := h.fs.Rename("/site/a.txt", "/site/b.txt", true); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Rename = %v", err)
	}
	if err := h.fs.Delete("/site/a.txt", false); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Delete = %v", err)
	}
}

func receive(t *testing.T, ch <-chan []ChangeEvent) []ChangeEvent {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change events")
		return nil
	}
}

func TestEventsCoalesced(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("/site")
	ch, stop := h.fs.Events()
	defer stop()

	ctx := context.Background()
	opts := WriteOptions{Create: true, Overwrite: true}
	h.fs.WriteFile(ctx, "/site/a.txt", []byte("1"), opts)
	h.fs.WriteFile(ctx, "/site/a.txt", []byte("2"), opts)
	h.fs.WriteFile(ctx, "/site/a.txt", []byte("3"), opts)

	var batch []ChangeEvent
	for _, e := range receive(t, ch) {
		if e.Path == "/site/a.txt" {
			batch = append(batch, e)
		}
	}
	want := []ChangeEvent{{Created, "/site/a.txt"}, {Changed, "/site/a.txt"}}
	if len(batch) != len(want) {
		t.Fatalf("batch = %v, want %v", batch, want)
	}
	for i := range want {
		if batch[i] != want[i] {
			t.Errorf("batch[%d] = %v, want %v", i, batch[i], want[i])
		}
	}
}

func TestWatchFilters(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("/site/web-pages/home")
	ch, stop := h.fs.Watch("/site", false)
	defer stop()

	h.fs.PopulateFile("/site/web-pages/home/deep.txt", []byte("x"))
	h.fs.PopulateFile("/site/top.txt", []byte("x"))

	seen := map[string]bool{}
	for _, e := range receive(t, ch) {
		seen[e.Path] = true
	}
	if !seen["/site/top.txt"] {
		t.Error("direct child change not delivered")
	}
	if seen["/site/web-pages/home/deep.txt"] {
		t.Error("nested change delivered to non-recursive watch")
	}
}

func TestWalk(t *testing.T) {
	h := newHarness(t)
	h.fs.PopulateFile("/site/b.txt", []byte("bb"))
	h.fs.PopulateFile("/site/a/c.txt", []byte("c"))

	var got []string
	err := h.fs.Walk("/site", func(p string, st Stat) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{"/site", "/site/a", "/site/a/c.txt", "/site/b.txt"}
	if len(got) != len(want) {
		t.Fatalf("walk = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("walk[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
