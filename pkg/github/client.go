// Package github lists and streams firmware files out of a git repository
// using the hosting service's tree and raw-content endpoints. The listing is
// the source of truth for what a synchronized device must hold: paths, sizes
// and the object ids downloads are verified against.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/roehann/cota/pkg/logging"
)

// DefaultBranch is the only branch firmware is served from. Devices follow
// repository heads, and a fleet quietly tracking an experiment branch is a
// misconfiguration, not a feature.
const DefaultBranch = "main"

var (
	// ErrUnreachable covers transport failures and unexpected statuses.
	ErrUnreachable = errors.New("repository unreachable")
	// ErrNotFound covers a missing repository, branch or file path.
	ErrNotFound = errors.New("repository path not found")
	// ErrRateLimited covers the service refusing requests for now.
	ErrRateLimited = errors.New("repository requests rate limited")
	// ErrTreeTruncated means the service cut the listing short. A partial
	// listing must never drive a synchronization: files absent from it would
	// be wiped from the device.
	ErrTreeTruncated = errors.New("repository listing truncated")
)

const (
	defaultAPIBase = "https://api.github.com"
	defaultRawBase = "https://raw.githubusercontent.com"

	listTimeout = 30 * time.Second

	// Pacing keeps a fleet of devices from tripping the service's limits in
	// the first place; tripping them anyway surfaces as ErrRateLimited.
	requestsPerSecond = 3
	requestBurst      = 6
)

// File is one blob from the repository listing.
type File struct {
	// Path is the file's location relative to the repository root.
	Path string
	// SHA is the git object id the download must hash to.
	SHA string
	// Size is the blob size in bytes, needed to frame the hash.
	Size int64
}

// Config addresses the repository and tunes the client.
type Config struct {
	Repo Repo
	// Branch must be empty or DefaultBranch.
	Branch string
	// Token authenticates requests when set, taking precedence over a token
	// carried in the repository URL.
	Token string
	// APIBase and RawBase override the service endpoints, for tests.
	APIBase string
	RawBase string
}

type Client struct {
	log     logging.Logger
	api     *http.Client
	fetch   *http.Client
	limiter *rate.Limiter
	repo    Repo
	token   string
	apiBase string
	rawBase string
}

func New(log logging.Logger, cfg Config) (*Client, error) {
	if cfg.Repo.Owner == "" || cfg.Repo.Name == "" {
		return nil, errors.New("repository owner and name must be provided")
	}
	branch := cfg.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	if branch != DefaultBranch {
		return nil, errors.Errorf("branch %q is not served; firmware is published on %q", branch, DefaultBranch)
	}

	token := cfg.Token
	if token == "" {
		token = cfg.Repo.Token
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	rawBase := cfg.RawBase
	if rawBase == "" {
		rawBase = defaultRawBase
	}

	return &Client{
		log: log,
		// Listing is small and bounded; fetches stream entire files and are
		// bounded by the caller's context instead of a client timeout.
		api:     &http.Client{Timeout: listTimeout},
		fetch:   &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		repo:    cfg.Repo,
		token:   token,
		apiBase: strings.TrimRight(apiBase, "/"),
		rawBase: strings.TrimRight(rawBase, "/"),
	}, nil
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

type treeResponse struct {
	SHA       string      `json:"sha"`
	Tree      []treeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// ListFiles returns every blob reachable from the served branch's head.
func (c *Client) ListFiles(ctx context.Context) ([]File, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for request slot")
	}

	u := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", c.apiBase, c.repo.Owner, c.repo.Name, DefaultBranch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building listing request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	c.authorize(req)

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "listing %s: %v", c.repo, err)
	}
	defer resp.Body.Close()

	if err := c.statusError(resp, "listing "+c.repo.String()); err != nil {
		return nil, err
	}

	var body treeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "decoding listing for %s: %v", c.repo, err)
	}
	if body.Truncated {
		return nil, errors.Wrapf(ErrTreeTruncated, "listing %s at %s", c.repo, body.SHA)
	}

	files := make([]File, 0, len(body.Tree))
	for _, entry := range body.Tree {
		if entry.Type != "blob" {
			continue
		}
		files = append(files, File{Path: entry.Path, SHA: entry.SHA, Size: entry.Size})
	}

	c.log.WithField("files", len(files)).Debugf("listed %s", c.repo)
	return files, nil
}

// Fetch streams the blob at path from the served branch. The caller owns
// closing the returned body.
func (c *Client) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for request slot")
	}

	u := fmt.Sprintf("%s/%s/%s/%s/%s", c.rawBase, c.repo.Owner, c.repo.Name, DefaultBranch, escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building fetch request for %q", path)
	}
	c.authorize(req)

	resp, err := c.fetch.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "fetching %q from %s: %v", path, c.repo, err)
	}

	if err := c.statusError(resp, fmt.Sprintf("fetching %q from %s", path, c.repo)); err != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("User-Agent", "cota")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
}

// statusError maps the service's refusals onto the package sentinels. The
// service answers 403 for exhausted limits, so auth failures on a private
// repository surface as ErrRateLimited too; the wrapped status keeps the
// distinction visible in logs.
func (c *Client) statusError(resp *http.Response, doing string) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "%s returned %s", doing, resp.Status)
	case http.StatusForbidden, http.StatusTooManyRequests:
		return errors.Wrapf(ErrRateLimited, "%s returned %s", doing, resp.Status)
	default:
		return errors.Wrapf(ErrUnreachable, "%s returned %s", doing, resp.Status)
	}
}

func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
