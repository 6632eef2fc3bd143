package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/semihalev/zlog/v2"
)

// ErrAllListsFailed reports a refresh cycle in which no list source could
// be read. The previous index stays in service.
var ErrAllListsFailed = errors.New("all rule lists unreadable")

// List is one configured rule source.
type List struct {
	// Source is a http(s) URL or a local file path.
	Source string
	// Action applied to lines without an explicit action prefix.
	Action Action
}

// Options configure a Loader.
type Options struct {
	Lists []List
	// Dir caches downloaded lists, reused when a fetch fails.
	Dir string
	// Inline entries from the config file, parsed like a one-line list.
	InlineBlock []string
	InlineAllow []string
	// Client used for downloads, http.DefaultClient when nil.
	Client *http.Client
}

// Loader owns the rule-list lifecycle: fetching, parsing and the atomic
// publication of rebuilt indexes. Classification callers grab the current
// snapshot with Index; in-flight readers keep the old snapshot across a
// swap.
type Loader struct {
	opts   Options
	client *http.Client

	mu    sync.Mutex // serializes refresh cycles
	index atomic.Pointer[Index]
}

// NewLoader returns a Loader serving an empty index until the first
// successful Refresh.
func NewLoader(opts Options) *Loader {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	l := &Loader{opts: opts, client: client}
	l.index.Store(BuildIndex(nil))

	return l
}

// Index returns the current classification snapshot.
func (l *Loader) Index() *Index { return l.index.Load() }

// SetOptions replaces the list sources used by subsequent refreshes. The
// published index stays in service until the next Refresh.
func (l *Loader) SetOptions(opts Options) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if opts.Client == nil {
		opts.Client = l.client
	}

	l.opts = opts
	l.client = opts.Client
}

// Refresh fetches and parses every configured list and swaps in a freshly
// built index. Unreadable lists are skipped with a warning; when every list
// fails the previous index is kept (last-known-good) and ErrAllListsFailed
// is returned.
func (l *Loader) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()

	if l.opts.Dir != "" {
		if err := os.MkdirAll(l.opts.Dir, 0o750); err != nil {
			zlog.Error("List dir create failed", "dir", l.opts.Dir, "error", err.Error())
		}
	}

	var (
		all    []Rule
		failed int
	)

	for _, list := range l.opts.Lists {
		src, err := l.fetch(ctx, list)
		if err != nil {
			zlog.Warn("Rule list unreadable, skipping", "source", list.Source, "error", err.Error())
			failed++
			continue
		}

		rules, diags := Parse(src, list.Source, list.Action)
		logDiagnostics(list.Source, diags)
		all = append(all, rules...)
	}

	if len(l.opts.Lists) > 0 && failed == len(l.opts.Lists) {
		return ErrAllListsFailed
	}

	inline := strings.Join(l.opts.InlineBlock, "\n")
	rules, diags := Parse([]byte(inline), "config:blocklist", ActionBlock)
	logDiagnostics("config:blocklist", diags)
	all = append(all, rules...)

	inline = strings.Join(l.opts.InlineAllow, "\n")
	rules, diags = Parse([]byte(inline), "config:allowlist", ActionAllow)
	logDiagnostics("config:allowlist", diags)
	all = append(all, rules...)

	idx := BuildIndex(all)
	l.index.Store(idx)

	zlog.Info("Rule index rebuilt", "rules", idx.Len(), "lists", len(l.opts.Lists)-failed, "elapsed", time.Since(start))

	return nil
}

func logDiagnostics(source string, diags []Diagnostic) {
	if len(diags) == 0 {
		return
	}

	zlog.Warn("Rule list has malformed lines", "source", source, "count", len(diags))
	for i, d := range diags {
		if i == 8 {
			zlog.Debug("More malformed lines suppressed", "source", source, "remaining", len(diags)-i)
			break
		}
		zlog.Debug("Malformed rule line", "diagnostic", d.Error())
	}
}

func (l *Loader) fetch(ctx context.Context, list List) ([]byte, error) {
	u, err := url.Parse(list.Source)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return l.download(ctx, list.Source)
	}

	path := list.Source
	if u != nil && u.Scheme == "file" {
		path = u.Path
	}

	return os.ReadFile(filepath.FromSlash(path))
}

// download fetches a remote list, updating the on-disk copy. A failed fetch
// falls back to the cached copy from an earlier cycle.
func (l *Loader) download(ctx context.Context, source string) ([]byte, error) {
	cached := filepath.Join(l.opts.Dir, cacheName(source))

	body, err := l.get(ctx, source)
	if err != nil {
		if data, rerr := os.ReadFile(cached); rerr == nil {
			zlog.Warn("List download failed, using cached copy", "source", source, "error", err.Error())
			return data, nil
		}
		return nil, err
	}

	if l.opts.Dir != "" {
		if werr := os.WriteFile(cached, body, 0o640); werr != nil {
			zlog.Warn("List cache write failed", "path", cached, "error", werr.Error())
		}
	}

	return body, nil
}

func (l *Loader) get(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// cacheName flattens a list URL into a stable file name.
func cacheName(source string) string {
	name := strings.TrimPrefix(source, "http://")
	name = strings.TrimPrefix(name, "https://")

	mapper := func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}

	return strings.Map(mapper, name) + ".list"
}
