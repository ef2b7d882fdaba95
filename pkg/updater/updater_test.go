package updater

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/roehann/cota/pkg/fsync"
	"github.com/roehann/cota/pkg/github"
	"github.com/roehann/cota/pkg/gitblob"
	"github.com/roehann/cota/pkg/internal/testoutput"
	"github.com/roehann/cota/pkg/logging"
	"github.com/roehann/cota/pkg/marker"
	"github.com/roehann/cota/pkg/thingsboard"
)

type testingStore struct {
	client  marker.Record
	shared  marker.Record
	attrErr error
	postErr error

	attrReads       int
	postedAttrs     []marker.Record
	postedTelemetry []marker.Record
}

func (s *testingStore) Attributes(ctx context.Context, clientKeys, sharedKeys []marker.Key) (marker.Record, marker.Record, error) {
	s.attrReads++
	if s.attrErr != nil {
		return nil, nil, s.attrErr
	}
	return s.client, s.shared, nil
}

func (s *testingStore) PostAttributes(ctx context.Context, rec marker.Record) error {
	if s.postErr != nil {
		return s.postErr
	}
	s.postedAttrs = append(s.postedAttrs, rec)
	return nil
}

func (s *testingStore) PostTelemetry(ctx context.Context, rec marker.Record) error {
	s.postedTelemetry = append(s.postedTelemetry, rec)
	return nil
}

// statuses returns the sequence of status values the store saw.
func (s *testingStore) statuses() []string {
	var seq []string
	for _, rec := range s.postedAttrs {
		if rec.Has(marker.StatusKey) {
			seq = append(seq, rec.Text(marker.StatusKey))
		}
	}
	return seq
}

func (s *testingStore) lastPosted(key marker.Key) string {
	for i := len(s.postedAttrs) - 1; i >= 0; i-- {
		if s.postedAttrs[i].Has(key) {
			return s.postedAttrs[i].Text(key)
		}
	}
	return ""
}

type testingSource struct {
	files    []github.File
	listErr  error
	fetchErr map[string]error
	// content queues payloads per path; the last payload repeats.
	content map[string][]string

	lists   int
	fetched []string
}

func (src *testingSource) ListFiles(ctx context.Context) ([]github.File, error) {
	src.lists++
	if src.listErr != nil {
		return nil, src.listErr
	}
	out := make([]github.File, len(src.files))
	copy(out, src.files)
	return out, nil
}

func (src *testingSource) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	src.fetched = append(src.fetched, path)
	if err := src.fetchErr[path]; err != nil {
		return nil, err
	}
	queue := src.content[path]
	if len(queue) == 0 {
		return nil, github.ErrNotFound
	}
	payload := queue[0]
	if len(queue) > 1 {
		src.content[path] = queue[1:]
	}
	return io.NopCloser(strings.NewReader(payload)), nil
}

// blob registers content under path and returns the listing entry matching it.
func (src *testingSource) blob(path, content string) github.File {
	if src.content == nil {
		src.content = map[string][]string{}
	}
	src.content[path] = []string{content}
	f := github.File{Path: path, SHA: gitblob.Sum([]byte(content)), Size: int64(len(content))}
	src.files = append(src.files, f)
	return f
}

func assigned(title, version string) marker.Record {
	return marker.Record{
		marker.AssignedTitleKey:   title,
		marker.AssignedVersionKey: version,
	}
}

func installed(title, version string) marker.Record {
	return marker.Record{
		marker.InstalledTitleKey:   title,
		marker.InstalledVersionKey: version,
	}
}

type fixture struct {
	up    *Updater
	store *testingStore
	src   *testingSource
	root  string
	// repoURLs records what the source factory was asked for.
	repoURLs []string
}

func testUpdater(t *testing.T, store *testingStore, src *testingSource) *fixture {
	t.Helper()
	root := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(root, "settings.toml"), []byte("[thingsboard]\n"), 0644))

	preserve, err := fsync.NewPreserveSet("settings.toml")
	assert.NilError(t, err)
	log := testoutput.Logger(t, logging.New("updater"))
	fs, err := fsync.New(log, root, preserve)
	assert.NilError(t, err)

	fx := &fixture{store: store, src: src, root: root}
	up, err := New(log, store, func(repoURL string) (Source, error) {
		fx.repoURLs = append(fx.repoURLs, repoURL)
		return src, nil
	}, fs, Config{
		RepositoryURL: "https://github.com/roehann/firmware",
		HashAttempts:  3,
		RetryDelay:    time.Millisecond,
	})
	assert.NilError(t, err)
	fx.up = up
	return fx
}

func (fx *fixture) readFile(t *testing.T, rel string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(fx.root, filepath.FromSlash(rel)))
	assert.NilError(t, err)
	return string(content)
}

func (fx *fixture) writeStale(t *testing.T, rel string) {
	t.Helper()
	abs := filepath.Join(fx.root, filepath.FromSlash(rel))
	assert.NilError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	assert.NilError(t, os.WriteFile(abs, []byte("stale"), 0644))
}

func (fx *fixture) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(fx.root, filepath.FromSlash(rel)))
	return err == nil
}

func TestCheckUpToDate(t *testing.T) {
	fx := testUpdater(t, &testingStore{
		client: installed("env-sensor", "1.0.0"),
		shared: assigned("env-sensor", "1.0.0"),
	}, &testingSource{})

	avail, err := fx.up.IsNewFirmwareAvailable(context.Background())
	assert.NilError(t, err)
	assert.Check(t, !avail)
	// a check reads; it never writes
	assert.Equal(t, len(fx.store.postedAttrs), 0)
	assert.Equal(t, len(fx.store.postedTelemetry), 0)
}

func TestCheckAssignmentDiffers(t *testing.T) {
	for name, shared := range map[string]marker.Record{
		"version": assigned("env-sensor", "2.0.0"),
		"title":   assigned("gateway", "1.0.0"),
	} {
		t.Run(name, func(t *testing.T) {
			fx := testUpdater(t, &testingStore{
				client: installed("env-sensor", "1.0.0"),
				shared: shared,
			}, &testingSource{})

			avail, err := fx.up.IsNewFirmwareAvailable(context.Background())
			assert.NilError(t, err)
			assert.Check(t, avail)
		})
	}
}

func TestCheckNothingAssigned(t *testing.T) {
	fx := testUpdater(t, &testingStore{
		client: installed("env-sensor", "1.0.0"),
		shared: marker.Record{},
	}, &testingSource{})

	avail, err := fx.up.IsNewFirmwareAvailable(context.Background())
	assert.NilError(t, err)
	assert.Check(t, !avail)
}

func TestCheckFailsClosed(t *testing.T) {
	fx := testUpdater(t, &testingStore{attrErr: thingsboard.ErrUnavailable}, &testingSource{})

	avail, err := fx.up.IsNewFirmwareAvailable(context.Background())
	assert.Check(t, !avail)
	assert.Equal(t, KindOf(err), KindAttributeUnavailable)
}

func TestCheckSurfacesRepositoryConfig(t *testing.T) {
	store := &testingStore{
		client: installed("env-sensor", "1.0.0"),
		shared: assigned("env-sensor", "2.0.0"),
	}
	fx := testUpdater(t, store, &testingSource{})

	// the factory refusing the repository is the check's problem, not a
	// later session's
	fx.up.newSource = func(string) (Source, error) {
		_, err := github.New(logging.New("github"), github.Config{
			Repo:   github.Repo{Owner: "roehann", Name: "firmware"},
			Branch: "dev",
		})
		return nil, err
	}
	_, err := fx.up.IsNewFirmwareAvailable(context.Background())
	assert.Equal(t, KindOf(err), KindConfig)
}

func TestDownloadHappyPath(t *testing.T) {
	src := &testingSource{}
	src.blob("code.py", "print('v2')\n")
	src.blob("lib/sensor.py", "class Sensor: pass\n")

	store := &testingStore{
		client: installed("env-sensor", "1.0.0"),
		shared: assigned("env-sensor", "2.0.0"),
	}
	fx := testUpdater(t, store, src)
	fx.writeStale(t, "old/leftover.py")

	assert.NilError(t, fx.up.DownloadFirmwareFiles(context.Background()))

	// the tree now mirrors the listing plus the preserve set
	assert.Equal(t, fx.readFile(t, "code.py"), "print('v2')\n")
	assert.Equal(t, fx.readFile(t, "lib/sensor.py"), "class Sensor: pass\n")
	assert.Check(t, fx.exists("settings.toml"))
	assert.Check(t, !fx.exists("old/leftover.py"))

	assert.DeepEqual(t, store.statuses(), []string{
		marker.StatusChecking, marker.StatusDownloading, marker.StatusSuccess,
	})
	assert.Equal(t, store.lastPosted(marker.InstalledTitleKey), "env-sensor")
	assert.Equal(t, store.lastPosted(marker.InstalledVersionKey), "2.0.0")
	assert.Equal(t, store.lastPosted(marker.ProgressPercentKey), "100")
	assert.Equal(t, store.lastPosted(marker.LastErrorKey), "")

	// telemetry carried one correlation id across the session
	assert.Check(t, len(store.postedTelemetry) > 0)
	id := store.postedTelemetry[0].Text(marker.SessionKey)
	assert.Check(t, id != "")
	for _, rec := range store.postedTelemetry {
		assert.Equal(t, rec.Text(marker.SessionKey), id)
	}
}

func TestDownloadProgressSequence(t *testing.T) {
	src := &testingSource{}
	src.blob("a.py", "a\n")
	src.blob("b.py", "b\n")

	store := &testingStore{shared: assigned("env-sensor", "2.0.0")}
	fx := testUpdater(t, store, src)

	assert.NilError(t, fx.up.DownloadFirmwareFiles(context.Background()))

	var progress []string
	for _, rec := range store.postedAttrs {
		if rec.Has(marker.ProgressPercentKey) && !rec.Has(marker.StatusKey) {
			progress = append(progress, rec.Text(marker.ProgressPercentKey))
		}
	}
	assert.DeepEqual(t, progress, []string{"50", "100"})
}

func TestDownloadVerifyRetryRecovers(t *testing.T) {
	src := &testingSource{}
	good := src.blob("code.py", "print('v2')\n")
	// first fetch returns corrupted content, the refetch heals
	src.content["code.py"] = []string{"corrupted", "print('v2')\n"}

	store := &testingStore{shared: assigned("env-sensor", "2.0.0")}
	fx := testUpdater(t, store, src)

	assert.NilError(t, fx.up.DownloadFirmwareFiles(context.Background()))

	assert.Equal(t, fx.readFile(t, good.Path), "print('v2')\n")
	assert.DeepEqual(t, src.fetched, []string{"code.py", "code.py"})
	// initial listing plus one refresh before the retry
	assert.Equal(t, src.lists, 2)
	assert.Equal(t, store.lastPosted(marker.StatusKey), marker.StatusSuccess)
}

func TestDownloadPersistentMismatch(t *testing.T) {
	src := &testingSource{}
	src.blob("bad.py", "wanted\n")
	src.content["bad.py"] = []string{"never right"}
	src.blob("later.py", "fine\n")

	store := &testingStore{shared: assigned("env-sensor", "2.0.0")}
	fx := testUpdater(t, store, src)

	err := fx.up.DownloadFirmwareFiles(context.Background())
	assert.Equal(t, KindOf(err), KindIntegrity)

	// the budget was three fetches of the failing file; nothing after it ran
	assert.DeepEqual(t, src.fetched, []string{"bad.py", "bad.py", "bad.py"})
	assert.Equal(t, store.lastPosted(marker.StatusKey), marker.StatusFailed)
	assert.Check(t, strings.Contains(store.lastPosted(marker.LastErrorKey), "bad.py"))
	assert.Check(t, !fx.exists("later.py"))
}

func TestDownloadEmptyListing(t *testing.T) {
	store := &testingStore{shared: assigned("env-sensor", "2.0.0")}
	fx := testUpdater(t, store, &testingSource{})
	fx.writeStale(t, "code.py")

	assert.NilError(t, fx.up.DownloadFirmwareFiles(context.Background()))

	// the wipe still ran and only the preserve set survived
	assert.Check(t, !fx.exists("code.py"))
	assert.Check(t, fx.exists("settings.toml"))
	assert.Equal(t, store.lastPosted(marker.StatusKey), marker.StatusSuccess)
	assert.Equal(t, store.lastPosted(marker.ProgressPercentKey), "100")
}

func TestDownloadOverwritesPreservedWhenListed(t *testing.T) {
	src := &testingSource{}
	src.blob("settings.toml", "[thingsboard]\nport = 9090\n")
	src.blob("code.py", "print('v2')\n")

	store := &testingStore{shared: assigned("env-sensor", "2.0.0")}
	fx := testUpdater(t, store, src)

	assert.NilError(t, fx.up.DownloadFirmwareFiles(context.Background()))

	// the preserve set shields settings.toml from the wipe, not from the
	// listing: the repository's copy wins
	assert.Equal(t, fx.readFile(t, "settings.toml"), "[thingsboard]\nport = 9090\n")
	assert.Equal(t, fx.readFile(t, "code.py"), "print('v2')\n")
	assert.Equal(t, store.lastPosted(marker.StatusKey), marker.StatusSuccess)
}

func TestDownloadListingFailureLeavesTreeAlone(t *testing.T) {
	src := &testingSource{listErr: github.ErrTreeTruncated}
	store := &testingStore{shared: assigned("env-sensor", "2.0.0")}
	fx := testUpdater(t, store, src)
	fx.writeStale(t, "code.py")

	err := fx.up.DownloadFirmwareFiles(context.Background())
	assert.Equal(t, KindOf(err), KindRepositoryUnreachable)

	// no usable listing, no wipe
	assert.Check(t, fx.exists("code.py"))
	assert.Equal(t, store.lastPosted(marker.StatusKey), marker.StatusFailed)
}

func TestDownloadFetchFailureAfterWipe(t *testing.T) {
	src := &testingSource{}
	src.blob("code.py", "print('v2')\n")
	src.fetchErr = map[string]error{"code.py": github.ErrRateLimited}

	store := &testingStore{shared: assigned("env-sensor", "2.0.0")}
	fx := testUpdater(t, store, src)
	fx.writeStale(t, "stale.py")

	err := fx.up.DownloadFirmwareFiles(context.Background())
	assert.Equal(t, KindOf(err), KindRateLimited)

	// the wipe had already run; the device is partial until the next session
	assert.Check(t, !fx.exists("stale.py"))
	assert.Equal(t, store.lastPosted(marker.StatusKey), marker.StatusFailed)
}

func TestDownloadNothingAssigned(t *testing.T) {
	store := &testingStore{shared: marker.Record{}}
	fx := testUpdater(t, store, &testingSource{})

	err := fx.up.DownloadFirmwareFiles(context.Background())
	assert.Equal(t, KindOf(err), KindAttributeUnavailable)
	assert.DeepEqual(t, store.statuses(), []string{
		marker.StatusChecking, marker.StatusFailed,
	})
}

func TestDownloadUsesAssignedRepositoryOverride(t *testing.T) {
	src := &testingSource{}
	src.blob("code.py", "print('v2')\n")

	shared := assigned("env-sensor", "2.0.0")
	shared[marker.AssignedURLKey] = "https://github.com/fleet/experimental"
	store := &testingStore{shared: shared}
	fx := testUpdater(t, store, src)

	assert.NilError(t, fx.up.DownloadFirmwareFiles(context.Background()))
	assert.DeepEqual(t, fx.repoURLs, []string{"https://github.com/fleet/experimental"})
}

func TestDownloadStoreDownAtStart(t *testing.T) {
	store := &testingStore{
		shared:  assigned("env-sensor", "2.0.0"),
		postErr: thingsboard.ErrUnavailable,
	}
	fx := testUpdater(t, store, &testingSource{})
	fx.writeStale(t, "code.py")

	err := fx.up.DownloadFirmwareFiles(context.Background())
	assert.Equal(t, KindOf(err), KindAttributeUnavailable)
	// the session never got to the destructive part
	assert.Check(t, fx.exists("code.py"))
}

func TestDownloadCanceled(t *testing.T) {
	src := &testingSource{}
	src.blob("code.py", "print('v2')\n")

	store := &testingStore{shared: assigned("env-sensor", "2.0.0")}
	fx := testUpdater(t, store, src)
	fx.writeStale(t, "stale.py")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fx.up.DownloadFirmwareFiles(ctx)

	// an operator stop is not a device fault
	assert.Equal(t, KindOf(err), KindCanceled)
	assert.Check(t, errors.Is(err, context.Canceled))
	assert.Equal(t, store.lastPosted(marker.StatusKey), marker.StatusFailed)
	// the wipe yielded before destroying anything
	assert.Check(t, fx.exists("stale.py"))
}
