// Package packager turns uploaded code archives into runtime images.
//
// Archives are content-addressed: the zip is stored once under
// <root>/zips/<sha256>.zip and exactly one image is built per
// (runtime, code-hash) pair. Builds are deduplicated with singleflight and
// bounded by a weighted semaphore so a burst of function creates cannot
// saturate the engine.
package packager

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/engine"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/runtimes"
	"github.com/oriys/vesta/internal/store"
)

// Packager ingests archives and materializes runtime images.
type Packager struct {
	rootDir     string
	imagePrefix string
	maxCodeSize int64
	eng         engine.Ops
	registry    store.Registry
	builds      singleflight.Group
	slots       *semaphore.Weighted
}

// New creates a Packager storing blobs under rootDir.
func New(rootDir, imagePrefix string, maxCodeSize int64, builderSlots int64, eng engine.Ops, registry store.Registry) (*Packager, error) {
	if builderSlots <= 0 {
		builderSlots = 2
	}
	if err := os.MkdirAll(filepath.Join(rootDir, "zips"), 0o755); err != nil {
		return nil, fmt.Errorf("create zips dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, "builds"), 0o755); err != nil {
		return nil, fmt.Errorf("create builds dir: %w", err)
	}
	return &Packager{
		rootDir:     rootDir,
		imagePrefix: imagePrefix,
		maxCodeSize: maxCodeSize,
		eng:         eng,
		registry:    registry,
		slots:       semaphore.NewWeighted(builderSlots),
	}, nil
}

// Ingest validates and stores a code archive, returning its artifact
// record. The handler layout is validated against the runtime family before
// anything is persisted.
func (p *Packager) Ingest(ctx context.Context, runtime domain.Runtime, handler string, archive []byte) (*domain.CodeArtifact, error) {
	if p.maxCodeSize > 0 && int64(len(archive)) > p.maxCodeSize {
		return nil, fmt.Errorf("%w: archive is %d bytes, limit %d",
			domain.ErrCodeStorageExceeded, len(archive), p.maxCodeSize)
	}

	files, err := listArchive(archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParameter, err)
	}
	if err := runtimes.ValidateLayout(runtime, handler, files); err != nil {
		return nil, err
	}

	hash := domain.HashCode(archive)
	path := filepath.Join(p.rootDir, "zips", hash+".zip")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, archive, 0o644); err != nil {
			return nil, fmt.Errorf("store archive: %w", err)
		}
	}

	artifact := &domain.CodeArtifact{
		Hash:      hash,
		Size:      int64(len(archive)),
		Path:      path,
		CreatedAt: time.Now(),
	}
	if err := p.registry.SaveArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// EnsureImage makes sure the runtime image for (fn.Runtime, fn.CodeHash)
// exists, building it if needed. Concurrent calls for the same pair share
// one build.
func (p *Packager) EnsureImage(ctx context.Context, fn *domain.Function) (string, error) {
	info, err := runtimes.Lookup(fn.Runtime)
	if err != nil {
		return "", err
	}
	tag := runtimes.ImageTag(p.imagePrefix, info, fn.CodeHash)

	_, err, _ = p.builds.Do(tag, func() (any, error) {
		exists, err := p.eng.ImageExists(ctx, tag)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, nil
		}
		return nil, p.build(ctx, info, fn.CodeHash, tag)
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

func (p *Packager) build(ctx context.Context, info runtimes.Info, codeHash, tag string) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.slots.Release(1)

	start := time.Now()
	buildDir := filepath.Join(p.rootDir, "builds", codeHash+"-"+string(info.Runtime))
	if err := os.MkdirAll(filepath.Join(buildDir, "code"), 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	defer os.RemoveAll(buildDir)

	archive, err := os.ReadFile(filepath.Join(p.rootDir, "zips", codeHash+".zip"))
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	if err := extractArchive(archive, filepath.Join(buildDir, "code")); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	bootFile, bootSrc := runtimes.Bootstrap(info.Family)
	if err := os.WriteFile(filepath.Join(buildDir, bootFile), []byte(bootSrc), 0o644); err != nil {
		return fmt.Errorf("write bootstrap: %w", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(runtimes.Dockerfile(info)), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}

	if err := p.eng.BuildImage(ctx, tag, buildDir); err != nil {
		return fmt.Errorf("build image %s: %w", tag, err)
	}
	logging.Op().Info("runtime image built",
		"tag", tag, "runtime", info.Runtime, "duration", time.Since(start))
	return nil
}

// RemoveArtifact deletes a stored archive blob when its last function is
// erased.
func (p *Packager) RemoveArtifact(ctx context.Context, hash string) error {
	if err := p.registry.DeleteArtifact(ctx, hash); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(p.rootDir, "zips", hash+".zip"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func listArchive(archive []byte) ([]string, error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("not a zip archive: %w", err)
	}
	var files []string
	for _, f := range r.File {
		files = append(files, f.Name)
	}
	return files, nil
}

func extractArchive(archive []byte, dest string) error {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return err
	}
	for _, f := range r.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		target := filepath.Join(dest, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0o400)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
