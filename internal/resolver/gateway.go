package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jamhub/listenroom/config"
	apperrors "github.com/jamhub/listenroom/internal/errors"
	repo "github.com/jamhub/listenroom/internal/repository/redis"
	"github.com/jamhub/listenroom/pkg/logger"
)

type SearchResult struct {
	MediaID   string `json:"media_id"`
	Title     string `json:"title"`
	DurationS int64  `json:"duration_s"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// execFunc runs the resolver binary and returns its trimmed stdout. Split
// out so tests can substitute the subprocess.
type execFunc func(ctx context.Context, timeout time.Duration, args ...string) (string, error)

// Gateway wraps the external media resolver subprocess. ResolveStream holds
// the central correctness property of the system: at most one concurrent
// resolution subprocess per media id cluster-wide, with every concurrent
// caller converging on the single result.
//
// Three tiers guard the subprocess:
//  1. the shared resolution cache,
//  2. an in-process in-flight registry deduplicating callers on this
//     process,
//  3. a cluster-wide extraction lock (SET NX EX) with bounded cache polling
//     for processes that lose the race.
//
// A weighted semaphore additionally caps total concurrent subprocesses in
// this process across all media ids.
type Gateway struct {
	streamRepo repo.StreamRepository
	cfg        config.ResolverConfig
	l          logger.Logger
	sem        *semaphore.Weighted
	run        execFunc

	inflightMu sync.Mutex
	inflight   map[string]chan struct{}
}

func NewGateway(streamRepo repo.StreamRepository, cfg config.ResolverConfig, l logger.Logger) *Gateway {
	return &Gateway{
		streamRepo: streamRepo,
		cfg:        cfg,
		l:          l,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		run:        runBinary(cfg.Binary),
		inflight:   make(map[string]chan struct{}),
	}
}

// Search runs a metadata-only search and parses the line-delimited JSON
// output. No media is downloaded.
func (g *Gateway) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	raw, err := g.runGuarded(ctx, g.cfg.SearchTimeout,
		fmt.Sprintf("ytsearch%d:%s", maxResults, query),
		"--dump-json",
		"--flat-playlist",
		"--no-download",
		"--no-warnings",
		"--skip-download",
	)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, maxResults)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var entry struct {
			ID        string  `json:"id"`
			Title     string  `json:"title"`
			Duration  float64 `json:"duration"`
			Thumbnail string  `json:"thumbnail"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		results = append(results, SearchResult{
			MediaID:   entry.ID,
			Title:     entry.Title,
			DurationS: int64(entry.Duration),
			Thumbnail: entry.Thumbnail,
		})
	}

	return results, nil
}

// ResolveStream returns a playable stream URL for the media id, cache-first.
func (g *Gateway) ResolveStream(ctx context.Context, mediaID string) (string, error) {
	// Tier 1: shared cache.
	if url, ok, err := g.streamRepo.GetStream(ctx, mediaID); err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrStateUnavailable, err)
	} else if ok {
		g.l.Debugf(ctx, "Stream cache hit: %s", mediaID)
		return url, nil
	}

	// Tier 2: another caller on this process is already extracting.
	g.inflightMu.Lock()
	signal, running := g.inflight[mediaID]
	g.inflightMu.Unlock()

	if running {
		g.l.Debugf(ctx, "Stream in-flight dedup: waiting for %s", mediaID)
		return g.awaitInflight(ctx, mediaID, signal)
	}

	// Tier 3: cluster-wide extraction lock.
	acquired, err := g.streamRepo.AcquireLock(ctx, mediaID, g.cfg.LockTTL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrStateUnavailable, err)
	}

	if !acquired {
		return g.pollForResult(ctx, mediaID)
	}

	signal = make(chan struct{})
	g.inflightMu.Lock()
	g.inflight[mediaID] = signal
	g.inflightMu.Unlock()

	defer func() {
		// Always release the lock and wake waiters, success or failure.
		if err := g.streamRepo.ReleaseLock(ctx, mediaID); err != nil {
			g.l.Warnf(ctx, "Failed to release extraction lock for %s: %v", mediaID, err)
		}
		close(signal)
		g.inflightMu.Lock()
		delete(g.inflight, mediaID)
		g.inflightMu.Unlock()
	}()

	g.l.Infof(ctx, "Stream cache miss: extracting %s", mediaID)

	url, err := g.extract(ctx, mediaID)
	if err != nil {
		return "", err
	}

	if err := g.streamRepo.SetStream(ctx, mediaID, url, g.cfg.StreamTTL); err != nil {
		g.l.Warnf(ctx, "Failed to cache stream for %s: %v", mediaID, err)
	}

	return url, nil
}

// RefreshStream forcibly invalidates the cached URL and re-extracts, using
// the shorter refresh TTL. Called after the upstream serves expired or
// forbidden responses.
func (g *Gateway) RefreshStream(ctx context.Context, mediaID string) (string, error) {
	if err := g.streamRepo.DeleteStream(ctx, mediaID); err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrStateUnavailable, err)
	}

	url, err := g.extract(ctx, mediaID)
	if err != nil {
		return "", err
	}

	if err := g.streamRepo.SetStream(ctx, mediaID, url, g.cfg.RefreshTTL); err != nil {
		g.l.Warnf(ctx, "Failed to cache refreshed stream for %s: %v", mediaID, err)
	}

	return url, nil
}

func (g *Gateway) Invalidate(ctx context.Context, mediaID string) error {
	return g.streamRepo.DeleteStream(ctx, mediaID)
}

// awaitInflight waits for the local holder's completion signal, then
// re-checks the cache. An empty cache after the signal means the holder's
// attempt failed.
func (g *Gateway) awaitInflight(ctx context.Context, mediaID string, signal chan struct{}) (string, error) {
	select {
	case <-signal:
	case <-time.After(g.cfg.ExtractTimeout + 5*time.Second):
		return "", &apperrors.ResolutionError{MediaID: mediaID, Detail: "timed out waiting for in-flight extraction"}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	url, ok, err := g.streamRepo.GetStream(ctx, mediaID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrStateUnavailable, err)
	}
	if !ok {
		return "", &apperrors.ResolutionError{MediaID: mediaID, Detail: "in-flight extraction failed"}
	}

	return url, nil
}

// pollForResult waits for another process's extraction by polling the cache
// at a fixed interval, bounded by LockPollMax attempts.
func (g *Gateway) pollForResult(ctx context.Context, mediaID string) (string, error) {
	g.l.Infof(ctx, "Extraction lock held elsewhere, polling cache: %s", mediaID)

	for i := 0; i < g.cfg.LockPollMax; i++ {
		select {
		case <-time.After(g.cfg.LockPollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		url, ok, err := g.streamRepo.GetStream(ctx, mediaID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", apperrors.ErrStateUnavailable, err)
		}
		if ok {
			return url, nil
		}
	}

	return "", fmt.Errorf("%w: %s", apperrors.ErrLockTimeout, mediaID)
}

func (g *Gateway) extract(ctx context.Context, mediaID string) (string, error) {
	raw, err := g.runGuarded(ctx, g.cfg.ExtractTimeout,
		fmt.Sprintf("https://www.youtube.com/watch?v=%s", mediaID),
		"-f", "bestaudio",
		"--get-url",
		"--no-download",
		"--no-warnings",
		"--no-playlist",
	)
	if err != nil {
		return "", err
	}

	url := strings.SplitN(raw, "\n", 2)[0]
	if !strings.HasPrefix(url, "http") {
		return "", &apperrors.ResolutionError{MediaID: mediaID, Detail: "invalid URL returned"}
	}

	return url, nil
}

// runGuarded runs the subprocess under the process-wide concurrency cap and
// logs execution time for every call.
func (g *Gateway) runGuarded(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	start := time.Now()
	out, err := g.run(ctx, timeout, args...)
	elapsed := time.Since(start)

	if err != nil {
		g.l.Errorf(ctx, "Resolver subprocess failed after %s: %v", elapsed.Round(time.Millisecond), err)
		return "", err
	}

	g.l.Infof(ctx, "Resolver subprocess completed in %s", elapsed.Round(time.Millisecond))
	return out, nil
}

func runBinary(binary string) execFunc {
	return func(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(runCtx, binary, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if runCtx.Err() == context.DeadlineExceeded {
			return "", &apperrors.ResolutionError{Detail: fmt.Sprintf("%s timed out after %s", binary, timeout)}
		}
		if err != nil {
			return "", &apperrors.ResolutionError{Detail: truncate(strings.TrimSpace(stderr.String()), 200)}
		}

		return strings.TrimSpace(stdout.String()), nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
