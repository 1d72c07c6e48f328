package packager

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/vesta/internal/db"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine/enginetest"
	"github.com/oriys/vesta/internal/store"
)

func newTestPackager(t *testing.T, maxCode int64) (*Packager, *enginetest.Fake, string) {
	t.Helper()
	database, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(context.Background(), database)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fake := enginetest.New()
	root := t.TempDir()
	p, err := New(root, "vesta-test", maxCode, 2, fake, st)
	if err != nil {
		t.Fatal(err)
	}
	return p, fake, root
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	zw.Close()
	return buf.Bytes()
}

func TestIngestContentAddressing(t *testing.T) {
	p, _, root := newTestPackager(t, 0)
	archive := zipBytes(t, map[string]string{"index.js": "exports.handler = x => x"})

	a1, err := p.Ingest(context.Background(), domain.RuntimeNode22, "index.handler", archive)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	a2, err := p.Ingest(context.Background(), domain.RuntimeNode22, "index.handler", archive)
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if a1.Hash != a2.Hash {
		t.Fatalf("same bytes hashed differently: %s vs %s", a1.Hash, a2.Hash)
	}
	if _, err := os.Stat(filepath.Join(root, "zips", a1.Hash+".zip")); err != nil {
		t.Fatalf("archive blob missing: %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	p, _, _ := newTestPackager(t, 0)

	if _, err := p.Ingest(context.Background(), domain.RuntimeNode22, "index.handler",
		[]byte("not a zip")); !errors.Is(err, domain.ErrInvalidParameter) {
		t.Fatalf("garbage archive = %v, want InvalidParameter", err)
	}

	archive := zipBytes(t, map[string]string{"other.js": "x"})
	if _, err := p.Ingest(context.Background(), domain.RuntimeNode22, "index.handler",
		archive); !errors.Is(err, domain.ErrInvalidParameter) {
		t.Fatalf("wrong layout = %v, want InvalidParameter", err)
	}
}

func TestIngestSizeLimit(t *testing.T) {
	p, _, _ := newTestPackager(t, 10)
	archive := zipBytes(t, map[string]string{"index.js": "exports.handler = x => x"})
	if _, err := p.Ingest(context.Background(), domain.RuntimeNode22, "index.handler",
		archive); !errors.Is(err, domain.ErrCodeStorageExceeded) {
		t.Fatalf("oversized archive = %v, want CodeStorageExceeded", err)
	}
}

func TestEnsureImageBuildsOncePerHash(t *testing.T) {
	p, fake, _ := newTestPackager(t, 0)
	archive := zipBytes(t, map[string]string{"index.js": "exports.handler = x => x"})
	artifact, err := p.Ingest(context.Background(), domain.RuntimeNode22, "index.handler", archive)
	if err != nil {
		t.Fatal(err)
	}

	fn := &domain.Function{
		ID: "id-1", Name: "echo", Runtime: domain.RuntimeNode22,
		Handler: "index.handler", CodeHash: artifact.Hash, Version: 1,
	}

	tag1, err := p.EnsureImage(context.Background(), fn)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if ok, _ := fake.ImageExists(context.Background(), tag1); !ok {
		t.Fatalf("image %s not built", tag1)
	}

	// Second call hits the image cache.
	tag2, err := p.EnsureImage(context.Background(), fn)
	if err != nil || tag2 != tag1 {
		t.Fatalf("second ensure: (%s, %v)", tag2, err)
	}
}
