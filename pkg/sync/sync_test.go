package sync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	goSync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modsync/modsync/pkg/client"
	"github.com/modsync/modsync/pkg/manifest"
	"github.com/modsync/modsync/pkg/server"
	"github.com/modsync/modsync/pkg/strategy"
)

const localDir = "/local"

func hashOf(t *testing.T, contents string) string {
	memFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(memFs, "/f", []byte(contents), 0644))
	hash, err := manifest.HashFile(memFs, "/f")
	require.NoError(t, err)
	return hash
}

// newTestServer serves the given files through the real handler, optionally
// wrapped by middleware, and returns a connected client.
func newTestServer(t *testing.T, files map[string]string, wrap func(http.Handler) http.Handler) *client.Client {
	serverFs := afero.NewMemMapFs()
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(serverFs, "/mods/"+path, []byte(contents), 0644))
	}
	if len(files) == 0 {
		require.NoError(t, serverFs.MkdirAll("/mods", 0755))
	}

	svc := manifest.NewService(serverFs, "/mods")
	_, err := svc.Rebuild()
	require.NoError(t, err)

	var handler http.Handler = server.New(serverFs, svc)
	if wrap != nil {
		handler = wrap(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL, 5*time.Second)
	require.NoError(t, err)
	return c
}

func testConfig() strategy.Config {
	return strategy.Config{
		Kind:          strategy.BalancedAdaptive,
		Workers:       2,
		Order:         strategy.FIFO,
		Resume:        true,
		ChunkSize:     strategy.DefaultChunkSize,
		MaxAttempts:   3,
		RetryBase:     time.Millisecond,
		RetryCap:      10 * time.Millisecond,
		MismatchLimit: 2,
	}
}

func readLocal(t *testing.T, path string) string {
	contents, err := afero.ReadFile(fs, localDir+"/"+path)
	require.NoError(t, err)
	return string(contents)
}

func TestDiff(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, localDir+"/core.jar", []byte("core"), 0644))
	require.NoError(t, afero.WriteFile(fs, localDir+"/changed.jar", []byte("old"), 0644))
	require.NoError(t, afero.WriteFile(fs, localDir+"/extra.txt", []byte("mine"), 0644))
	require.NoError(t, afero.WriteFile(fs, localDir+"/.hidden", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, localDir+"/leftover.part", []byte("x"), 0644))

	m := &manifest.Manifest{Files: map[string]manifest.FileEntry{
		"core.jar":    {Hash: hashOf(t, "core"), Size: 4},
		"changed.jar": {Hash: hashOf(t, "new"), Size: 3},
		"missing.jar": {Hash: hashOf(t, "missing"), Size: 7},
	}}

	pending, stale, err := Diff(m, localDir)
	require.NoError(t, err)

	require.Len(t, pending, 2)
	assert.Equal(t, "changed.jar", pending[0].Path)
	assert.Equal(t, Mismatched, pending[0].Status)
	assert.Equal(t, "missing.jar", pending[1].Path)
	assert.Equal(t, Missing, pending[1].Status)

	assert.Equal(t, []string{"extra.txt"}, stale)
}

func TestDiffEmptyLocalDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()

	m := &manifest.Manifest{Files: map[string]manifest.FileEntry{
		"core.jar": {Hash: hashOf(t, "core"), Size: 4},
	}}

	pending, stale, err := Diff(m, localDir)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, Missing, pending[0].Status)
	assert.Empty(t, stale)
}

func TestManagerDownloadsAndVerifies(t *testing.T) {
	fs = afero.NewMemMapFs()
	c := newTestServer(t, map[string]string{
		"core.jar":    "core contents",
		"lib/dep.jar": "dependency contents",
	}, nil)

	files := []*ModFile{
		{Path: "core.jar", Hash: hashOf(t, "core contents"), Size: 13},
		{Path: "lib/dep.jar", Hash: hashOf(t, "dependency contents"), Size: 19},
	}

	NewManager(c, localDir, testConfig(), nil).Run(context.Background(), files)

	for _, file := range files {
		assert.Equal(t, Verified, file.Status, file.Path)
	}
	assert.Equal(t, "core contents", readLocal(t, "core.jar"))
	assert.Equal(t, "dependency contents", readLocal(t, "lib/dep.jar"))

	exists, err := afero.Exists(fs, localDir+"/core.jar.part")
	require.NoError(t, err)
	assert.False(t, exists, "part file must be renamed away")
}

func TestManagerResumesFromPartFile(t *testing.T) {
	fs = afero.NewMemMapFs()

	var ranges []string
	var mu goSync.Mutex
	c := newTestServer(t, map[string]string{"core.jar": "0123456789"}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/core.jar" {
				mu.Lock()
				ranges = append(ranges, r.Header.Get("Range"))
				mu.Unlock()
			}
			next.ServeHTTP(w, r)
		})
	})

	// A previous session got the first four bytes.
	require.NoError(t, afero.WriteFile(fs, localDir+"/core.jar.part", []byte("0123"), 0644))

	files := []*ModFile{{Path: "core.jar", Hash: hashOf(t, "0123456789"), Size: 10}}
	NewManager(c, localDir, testConfig(), nil).Run(context.Background(), files)

	assert.Equal(t, Verified, files[0].Status)
	assert.Equal(t, "0123456789", readLocal(t, "core.jar"))
	assert.Equal(t, []string{"bytes=4-"}, ranges, "download must continue from the cursor")
}

func TestManagerRestartsWhenResumeDisabled(t *testing.T) {
	fs = afero.NewMemMapFs()
	c := newTestServer(t, map[string]string{"core.jar": "0123456789"}, nil)

	require.NoError(t, afero.WriteFile(fs, localDir+"/core.jar.part", []byte("0123"), 0644))

	cfg := testConfig()
	cfg.Resume = false
	files := []*ModFile{{Path: "core.jar", Hash: hashOf(t, "0123456789"), Size: 10}}
	NewManager(c, localDir, cfg, nil).Run(context.Background(), files)

	assert.Equal(t, Verified, files[0].Status)
	assert.Equal(t, "0123456789", readLocal(t, "core.jar"))
}

func TestManagerRetriesTransientFailures(t *testing.T) {
	fs = afero.NewMemMapFs()

	var calls int32
	c := newTestServer(t, map[string]string{"core.jar": "contents"}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/core.jar" && atomic.AddInt32(&calls, 1) <= 2 {
				http.Error(w, "try again", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	files := []*ModFile{{Path: "core.jar", Hash: hashOf(t, "contents"), Size: 8}}
	NewManager(c, localDir, testConfig(), nil).Run(context.Background(), files)

	assert.Equal(t, Verified, files[0].Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestManagerQuarantinesAfterRepeatedMismatches(t *testing.T) {
	fs = afero.NewMemMapFs()

	var calls int32
	c := newTestServer(t, map[string]string{"core.jar": "corrupt"}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/core.jar" {
				atomic.AddInt32(&calls, 1)
			}
			next.ServeHTTP(w, r)
		})
	})

	// The manifest promises different content than the server delivers.
	files := []*ModFile{{Path: "core.jar", Hash: hashOf(t, "pristine"), Size: 7}}
	events := make(chan Event, 4)
	NewManager(c, localDir, testConfig(), events).Run(context.Background(), files)

	assert.Equal(t, Quarantined, files[0].Status)
	assert.Error(t, files[0].Err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "initial download plus two mismatch cycles")

	event := <-events
	assert.Equal(t, Quarantined, event.Status)

	exists, err := afero.Exists(fs, localDir+"/core.jar")
	require.NoError(t, err)
	assert.False(t, exists, "corrupt content must not land at the final path")
}

func TestManagerFailsFastOnMissingFile(t *testing.T) {
	fs = afero.NewMemMapFs()

	var calls int32
	c := newTestServer(t, map[string]string{"core.jar": "core"}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gone.jar" {
				atomic.AddInt32(&calls, 1)
			}
			next.ServeHTTP(w, r)
		})
	})

	files := []*ModFile{
		{Path: "gone.jar", Hash: hashOf(t, "gone"), Size: 4},
		{Path: "core.jar", Hash: hashOf(t, "core"), Size: 4},
	}
	NewManager(c, localDir, testConfig(), nil).Run(context.Background(), files)

	// 404 is permanent: one request, no retries, and the other file still
	// completes.
	assert.Equal(t, Failed, files[0].Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, Verified, files[1].Status)
}

func TestManagerWorkerPoolBound(t *testing.T) {
	fs = afero.NewMemMapFs()

	contents := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		contents[name+".jar"] = "contents of " + name
	}

	var inFlight, peak int32
	c := newTestServer(t, contents, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			next.ServeHTTP(w, r)
			atomic.AddInt32(&inFlight, -1)
		})
	})

	var files []*ModFile
	for name, body := range contents {
		files = append(files, &ModFile{Path: name, Hash: hashOf(t, body), Size: int64(len(body))})
	}

	cfg := testConfig()
	cfg.Workers = 3
	NewManager(c, localDir, cfg, nil).Run(context.Background(), files)

	for _, file := range files {
		assert.Equal(t, Verified, file.Status, file.Path)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestManagerChunkedDownload(t *testing.T) {
	fs = afero.NewMemMapFs()

	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	c := newTestServer(t, map[string]string{"huge.bin": string(body)}, nil)

	cfg := testConfig()
	cfg.ChunkParallel = true
	cfg.ChunkSize = 64

	files := []*ModFile{{Path: "huge.bin", Hash: hashOf(t, string(body)), Size: 1000}}
	NewManager(c, localDir, cfg, nil).Run(context.Background(), files)

	assert.Equal(t, Verified, files[0].Status)
	assert.Equal(t, string(body), readLocal(t, "huge.bin"))
}

func TestManagerChunkedRetriesTransientRangeFailures(t *testing.T) {
	fs = afero.NewMemMapFs()

	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i % 251)
	}

	// The first two range requests fail; later ones succeed.
	var rangeCalls int32
	c := newTestServer(t, map[string]string{"huge.bin": string(body)}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Range") != "" && atomic.AddInt32(&rangeCalls, 1) <= 2 {
				http.Error(w, "try again", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	cfg := testConfig()
	cfg.ChunkParallel = true
	cfg.ChunkSize = 64

	files := []*ModFile{{Path: "huge.bin", Hash: hashOf(t, string(body)), Size: 1000}}
	NewManager(c, localDir, cfg, nil).Run(context.Background(), files)

	assert.Equal(t, Verified, files[0].Status)
	assert.Equal(t, string(body), readLocal(t, "huge.bin"))
}

func TestManagerChunkedTransientFailureIsNotQuarantined(t *testing.T) {
	fs = afero.NewMemMapFs()

	body := make([]byte, 1000)
	var rangeCalls int32
	c := newTestServer(t, map[string]string{"huge.bin": string(body)}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Range") != "" {
				atomic.AddInt32(&rangeCalls, 1)
				http.Error(w, "try again", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	cfg := testConfig()
	cfg.ChunkParallel = true
	cfg.ChunkSize = 64

	files := []*ModFile{{Path: "huge.bin", Hash: hashOf(t, string(body)), Size: 1000}}
	NewManager(c, localDir, cfg, nil).Run(context.Background(), files)

	// A transport failure must exhaust the retry budget and end Failed.
	// Burning mismatch cycles on an empty pre-allocated part file would end
	// Quarantined instead.
	assert.Equal(t, Failed, files[0].Status)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&rangeCalls), int32(3),
		"every retry attempt must reach the network")

	// The hole-filled part file must not survive as a resume cursor.
	exists, err := afero.Exists(fs, localDir+"/huge.bin.part")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManagerChunkedRespectsWorkerBound(t *testing.T) {
	fs = afero.NewMemMapFs()

	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i % 251)
	}

	var inFlight, peak int32
	c := newTestServer(t, map[string]string{"huge.bin": string(body)}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			next.ServeHTTP(w, r)
			atomic.AddInt32(&inFlight, -1)
		})
	})

	cfg := testConfig()
	cfg.Workers = 2
	cfg.ChunkParallel = true
	cfg.ChunkSize = 64

	files := []*ModFile{{Path: "huge.bin", Hash: hashOf(t, string(body)), Size: 1000}}
	NewManager(c, localDir, cfg, nil).Run(context.Background(), files)

	assert.Equal(t, Verified, files[0].Status)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2),
		"chunk requests must draw from the worker budget")
}

func TestManagerCancellationPreservesPartFiles(t *testing.T) {
	fs = afero.NewMemMapFs()

	started := make(chan struct{})
	c := newTestServer(t, map[string]string{"slow.jar": "0123456789"}, func(next http.Handler) http.Handler {
		var once goSync.Once
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/slow.jar" {
				next.ServeHTTP(w, r)
				return
			}
			io.WriteString(w, "0123")
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			once.Do(func() { close(started) })
			<-r.Context().Done()
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	files := []*ModFile{{Path: "slow.jar", Hash: hashOf(t, "0123456789"), Size: 10}}
	go func() {
		NewManager(c, localDir, testConfig(), nil).Run(ctx, files)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop after cancellation")
	}

	// No final outcome, and whatever arrived stays on disk as the cursor.
	assert.Equal(t, Downloading, files[0].Status)
	exists, err := afero.Exists(fs, localDir+"/slow.jar")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOrderTasks(t *testing.T) {
	files := []*ModFile{
		{Path: "big.jar", Size: 300},
		{Path: "core.jar", Size: 200},
		{Path: "tiny.jar", Size: 100},
	}

	paths := func(ordered []*ModFile) []string {
		var out []string
		for _, f := range ordered {
			out = append(out, f.Path)
		}
		return out
	}

	cfg := testConfig()

	cfg.Order = strategy.FIFO
	assert.Equal(t, []string{"big.jar", "core.jar", "tiny.jar"}, paths(orderTasks(files, cfg)))

	cfg.Order = strategy.SizeAscending
	assert.Equal(t, []string{"tiny.jar", "core.jar", "big.jar"}, paths(orderTasks(files, cfg)))

	cfg.Order = strategy.SizeDescending
	assert.Equal(t, []string{"big.jar", "core.jar", "tiny.jar"}, paths(orderTasks(files, cfg)))

	cfg.Order = strategy.CriticalFirst
	cfg.Critical = []string{"core.jar"}
	assert.Equal(t, []string{"core.jar", "tiny.jar", "big.jar"}, paths(orderTasks(files, cfg)))
}

func TestSessionEndToEnd(t *testing.T) {
	fs = afero.NewMemMapFs()
	c := newTestServer(t, map[string]string{
		"core.jar":    "core contents",
		"lib/dep.jar": "dependency contents",
	}, nil)

	session := NewSession(c, localDir, strategy.Options{CPUCount: 2})
	result, err := session.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Clean())
	assert.ElementsMatch(t, []string{"core.jar", "lib/dep.jar"}, result.Verified)
	assert.Empty(t, result.Stale)
	assert.Equal(t, uint64(1), result.ManifestVersion)
	assert.Equal(t, "core contents", readLocal(t, "core.jar"))

	// A second pass finds nothing to do but reports the same verified set.
	result, err = session.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Clean())
	assert.ElementsMatch(t, []string{"core.jar", "lib/dep.jar"}, result.Verified)
}

func TestSessionReportsStaleFiles(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, localDir+"/leftover.jar", []byte("old"), 0644))

	c := newTestServer(t, map[string]string{"core.jar": "core"}, nil)

	result, err := NewSession(c, localDir, strategy.Options{CPUCount: 2}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"leftover.jar"}, result.Stale)

	// Stale files are reported, never deleted.
	exists, err := afero.Exists(fs, localDir+"/leftover.jar")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSessionFatalWhenManifestUnreachable(t *testing.T) {
	fs = afero.NewMemMapFs()

	c, err := client.New("http://127.0.0.1:1", time.Second)
	require.NoError(t, err)

	_, err = NewSession(c, localDir, strategy.Options{CPUCount: 2}).Run(context.Background())
	assert.Error(t, err)
}
