// Package rename moves archived files to the locations their posts' current
// filename patterns produce.
package rename

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/post-archiver/internal/archive"
	"github.com/JakeFAU/post-archiver/internal/filename"
)

// Mover relocates stored files.
type Mover interface {
	Exists(ctx context.Context, path string) (bool, error)
	Move(ctx context.Context, from, to string) error
}

// Pruner removes directories left empty by moves.
type Pruner interface {
	PruneEmptyDirs(ctx context.Context) (int, error)
}

// Result totals a rename pass.
type Result struct {
	Checked   int
	Moved     int
	Unchanged int
	Missing   int
	Failed    int
	Pruned    int
}

// Renamer applies filename patterns to already downloaded links.
type Renamer struct {
	store    archive.Store
	mover    Mover
	patterns map[archive.PostType]string
	logger   *zap.Logger
}

// New constructs a Renamer. Post types missing from patterns use the defaults.
func New(store archive.Store, mover Mover, patterns map[archive.PostType]string, logger *zap.Logger) *Renamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	merged := filename.DefaultPatterns()
	for postType, pattern := range patterns {
		merged[postType] = pattern
	}
	return &Renamer{store: store, mover: mover, patterns: merged, logger: logger}
}

// Run renames every successful link whose path changed. With dryRun the
// planned moves are only logged.
func (r *Renamer) Run(ctx context.Context, dryRun bool) (Result, error) {
	var result Result
	posts, err := r.store.ListPosts(ctx)
	if err != nil {
		return result, fmt.Errorf("list posts: %w", err)
	}

	for _, post := range posts {
		pattern := r.patterns[post.Post.Type]
		for _, link := range post.Links {
			if link.Status != archive.StatusSuccess || link.FilePath == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return result, fmt.Errorf("rename canceled: %w", err)
			}
			result.Checked++
			r.renameLink(ctx, post.Post, link, pattern, dryRun, &result)
		}
	}

	if pruner, ok := r.mover.(Pruner); ok && !dryRun && result.Moved > 0 {
		pruned, err := pruner.PruneEmptyDirs(ctx)
		if err != nil {
			return result, fmt.Errorf("prune empty directories: %w", err)
		}
		result.Pruned = pruned
	}

	r.logger.Info("rename finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("checked", result.Checked),
		zap.Int("moved", result.Moved),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("missing", result.Missing),
		zap.Int("failed", result.Failed),
		zap.Int("pruned_dirs", result.Pruned),
	)
	return result, nil
}

func (r *Renamer) renameLink(
	ctx context.Context,
	post archive.Post,
	link archive.Link,
	pattern string,
	dryRun bool,
	result *Result,
) {
	oldPath := *link.FilePath
	logger := r.logger.With(zap.Int64("link_id", link.ID), zap.String("from", oldPath))

	newPath, err := filename.Path(pattern, post, link)
	if err != nil {
		logger.Error("render new path failed", zap.Error(err))
		result.Failed++
		return
	}
	if newPath == oldPath {
		result.Unchanged++
		return
	}
	logger = logger.With(zap.String("to", newPath))

	exists, err := r.mover.Exists(ctx, oldPath)
	if err != nil {
		logger.Error("stat failed", zap.Error(err))
		result.Failed++
		return
	}
	if !exists {
		logger.Warn("archived file missing, skipped")
		result.Missing++
		return
	}

	if dryRun {
		logger.Info("would move")
		result.Moved++
		return
	}

	if err := r.mover.Move(ctx, oldPath, newPath); err != nil {
		logger.Error("move failed", zap.Error(err))
		result.Failed++
		return
	}
	if err := r.store.UpdatePath(ctx, link.ID, newPath, pattern); err != nil {
		logger.Error("update path failed, moving back", zap.Error(err))
		if rbErr := r.mover.Move(ctx, newPath, oldPath); rbErr != nil {
			logger.Error("rollback failed", zap.Error(rbErr))
		}
		result.Failed++
		return
	}
	logger.Info("moved")
	result.Moved++
}
