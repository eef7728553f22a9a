// Package build turns resolved sources into runnable images identified by digest.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/0xEthamin/hangar-back/internal/docker"
	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/source"
)

// Engine is the image side of the container runtime.
type Engine interface {
	PullImage(ctx context.Context, ref string, onOutput docker.OutputCallback) error
	InspectImage(ctx context.Context, ref string) (docker.ImageInfo, error)
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.OutputCallback) (string, error)
	RemoveImage(ctx context.Context, ref string) error
}

// Scanner vets an image before it is deployed. A nil Scanner disables scanning.
type Scanner interface {
	Scan(ctx context.Context, image string) error
}

// Options configures a Builder.
type Options struct {
	// Registry prefixes tags of images built from source.
	Registry        string
	StaticBaseImage string
	Port            int
	// Timeout bounds each pull, build and scan.
	Timeout time.Duration
	// CleanupTimeout bounds the removal of images from failed attempts.
	CleanupTimeout time.Duration
}

// Builder produces artifacts from build inputs.
type Builder struct {
	engine  Engine
	scanner Scanner
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a Builder.
func New(engine Engine, scanner Scanner, opts Options, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Registry == "" {
		opts.Registry = "hangar"
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}
	return &Builder{
		engine:  engine,
		scanner: scanner,
		opts:    opts,
		logger:  logger.With("component", "builder"),
		now:     time.Now,
	}
}

// Build resolves in to a tag and content digest. Images created by a failed
// attempt are removed before the error is returned.
func (b *Builder) Build(ctx context.Context, project string, in source.BuildInput) (domain.Artifact, error) {
	switch input := in.(type) {
	case source.PrebuiltImage:
		return b.prebuilt(ctx, input.Ref)
	case source.SourceTree:
		return b.fromSource(ctx, project, input)
	default:
		return domain.Artifact{}, fmt.Errorf("unsupported build input %T: %w", in, domain.ErrValidation)
	}
}

// Discard removes an artifact this builder produced. Pulled images are shared
// and left alone.
func (b *Builder) Discard(ctx context.Context, art domain.Artifact) error {
	if !art.Built || art.Tag == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.CleanupTimeout)
	defer cancel()
	if err := b.engine.RemoveImage(ctx, art.Tag); err != nil {
		return fmt.Errorf("discard image %s: %w", art.Tag, err)
	}
	return nil
}

func (b *Builder) prebuilt(ctx context.Context, ref string) (domain.Artifact, error) {
	pullCtx, cancel := b.withTimeout(ctx)
	defer cancel()

	tail := newOutputTail(20)
	if err := b.engine.PullImage(pullCtx, ref, tail.Add); err != nil {
		info, inspectErr := b.engine.InspectImage(ctx, ref)
		if inspectErr != nil {
			if errors.Is(err, docker.ErrNotFound) || (docker.IsStreamError(err) && strings.Contains(strings.ToLower(err.Error()), "not found")) {
				return domain.Artifact{}, fmt.Errorf("image %s: %w: %w", ref, domain.ErrSourceNotFound, err)
			}
			return domain.Artifact{}, fmt.Errorf("pull %s: %w: %w", ref, domain.ErrSourceUnreachable, err)
		}
		b.logger.Warn("pull failed, using local image", "image", ref, "error", err)
		return b.scanned(ctx, domain.Artifact{Tag: ref, Digest: info.ID})
	}

	info, err := b.engine.InspectImage(ctx, ref)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("inspect %s: %w: %w", ref, domain.ErrBuildFailed, err)
	}
	b.logger.Info("image resolved", "image", ref, "digest", info.ID)
	return b.scanned(ctx, domain.Artifact{Tag: ref, Digest: info.ID})
}

func (b *Builder) fromSource(ctx context.Context, project string, tree source.SourceTree) (domain.Artifact, error) {
	runtime, generated, err := ensureDockerfile(tree.ContextDir, dockerfileOptions{
		StaticBaseImage: b.opts.StaticBaseImage,
		Port:            b.opts.Port,
	})
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("prepare build context: %w: %w", domain.ErrBuildFailed, err)
	}
	tag := b.imageTag(project, tree.Commit)
	b.logger.Info("building image", "project", project, "image", tag, "runtime", runtime, "dockerfile_generated", generated)

	buildCtx, cancel := b.withTimeout(ctx)
	defer cancel()

	tail := newOutputTail(20)
	id, err := b.engine.BuildImage(buildCtx, tree.ContextDir, tag, nil, tail.Add)
	if err != nil {
		b.cleanup(ctx, tag)
		return domain.Artifact{}, fmt.Errorf("build %s: %w: %w%s", tag, domain.ErrBuildFailed, err, tail.Suffix())
	}
	if id == "" {
		info, err := b.engine.InspectImage(ctx, tag)
		if err != nil {
			b.cleanup(ctx, tag)
			return domain.Artifact{}, fmt.Errorf("inspect %s: %w: %w", tag, domain.ErrBuildFailed, err)
		}
		id = info.ID
	}
	art := domain.Artifact{Tag: tag, Digest: id, Built: true}
	b.logger.Info("image built", "project", project, "image", tag, "digest", id)
	return b.scanned(ctx, art)
}

func (b *Builder) scanned(ctx context.Context, art domain.Artifact) (domain.Artifact, error) {
	if b.scanner == nil {
		return art, nil
	}
	scanCtx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.scanner.Scan(scanCtx, art.Tag); err != nil {
		if art.Built {
			b.cleanup(ctx, art.Tag)
		}
		return domain.Artifact{}, fmt.Errorf("scan %s: %w: %w", art.Tag, domain.ErrBuildFailed, err)
	}
	return art, nil
}

func (b *Builder) cleanup(ctx context.Context, tag string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.CleanupTimeout)
	defer cancel()
	if err := b.engine.RemoveImage(ctx, tag); err != nil {
		b.logger.Error("failed to remove image from failed build", "image", tag, "error", err)
	}
}

func (b *Builder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.opts.Timeout)
}

// imageTag is <registry>/<project>:<utc timestamp>[-<short commit>].
func (b *Builder) imageTag(project, commit string) string {
	version := b.now().UTC().Format("20060102150405")
	if len(commit) >= 7 {
		version += "-" + commit[:7]
	}
	return fmt.Sprintf("%s/%s:%s", strings.TrimRight(b.opts.Registry, "/"), strings.ToLower(project), version)
}

// outputTail keeps the last lines of daemon output, collapsing repeats.
type outputTail struct {
	lines   []string
	size    int
	repeats int
}

func newOutputTail(size int) *outputTail {
	return &outputTail{size: size}
}

func (t *outputTail) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if n := len(t.lines); n > 0 && t.lines[n-1] == line {
		t.repeats++
		return
	}
	if t.repeats > 0 {
		t.push(fmt.Sprintf("(repeated %d more times)", t.repeats))
		t.repeats = 0
	}
	t.push(line)
}

func (t *outputTail) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.size {
		t.lines = t.lines[len(t.lines)-t.size:]
	}
}

// Suffix renders the tail for appending to an error message.
func (t *outputTail) Suffix() string {
	if len(t.lines) == 0 {
		return ""
	}
	return "\n" + strings.Join(t.lines, "\n")
}
