package install

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"jhol/pkg/config"
	"jhol/pkg/lockfile"
)

// TestMain checks that no goroutine started by a test (the worker pools in
// fetchDomainClosure/ensureStoreEntries chief among them) outlives it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func buildTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: "package/" + name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sriOf(tarball []byte) string {
	h := sha256.Sum256(tarball)
	return "sha256-" + base64.StdEncoding.EncodeToString(h[:])
}

// chdir switches the process working directory for the duration of the
// test and restores it on cleanup, since manifest/lockfile load relative
// to cwd.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

// newFakeRegistry serves a fixed set of packuments (name -> tarball
// content) over HTTP, mimicking the abbreviated-packument shape
// pkg/registry decodes.
func newFakeRegistry(t *testing.T, packages map[string]map[string]string) (*httptest.Server, map[string][]byte) {
	t.Helper()
	tarballs := make(map[string][]byte)
	mux := http.NewServeMux()
	var server *httptest.Server

	for name, files := range packages {
		name := name
		tb := buildTarball(t, files)
		tarballs[name] = tb

		tarballPath := "/tarballs/" + name + "-1.0.0.tgz"
		mux.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
			body := map[string]any{
				"name":     name,
				"dist-tags": map[string]string{"latest": "1.0.0"},
				"versions": map[string]any{
					"1.0.0": map[string]any{
						"dist": map[string]string{
							"tarball":   server.URL + tarballPath,
							"integrity": sriOf(tb),
						},
					},
				},
			}
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(body))
		})
		mux.HandleFunc(tarballPath, func(w http.ResponseWriter, r *http.Request) {
			w.Write(tb)
		})
	}

	server = httptest.NewServer(mux)
	return server, tarballs
}

func writeManifest(t *testing.T, dir string, deps map[string]string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"name": "app", "version": "1.0.0", "dependencies": deps})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ManifestFile), data, 0o644))
}

func TestInstallNormalEndToEnd(t *testing.T) {
	server, _ := newFakeRegistry(t, map[string]map[string]string{
		"left-pad": {"index.js": "module.exports = pad;"},
	})
	defer server.Close()

	projectDir := t.TempDir()
	chdir(t, projectDir)
	writeManifest(t, projectDir, map[string]string{"left-pad": "^1.0.0"})

	cfg := config.Config{
		CacheRoot:          t.TempDir(),
		Registry:           server.URL,
		NetworkConcurrency: 4,
		LinkMode:           config.LinkModeCopy,
		RequestTimeout:     5,
		LockTimeout:        5,
		SolverStrategy:     "jagr",
	}

	p, err := New(cfg, projectDir)
	require.NoError(t, err)

	result, err := p.Install(context.Background(), ModeNormal)
	require.NoError(t, err)
	require.Equal(t, "normal", result.Mode)
	require.Len(t, result.Packages, 1)

	data, err := os.ReadFile(filepath.Join(projectDir, config.ModulesDir, "left-pad", "index.js"))
	require.NoError(t, err)
	require.Equal(t, "module.exports = pad;", string(data))

	lf, err := lockfile.Load()
	require.NoError(t, err)
	dep, ok := lf.Dependencies["left-pad"]
	require.True(t, ok)
	require.Equal(t, "1.0.0", dep.Version)
}

func TestInstallFrozenUsesLockfileWithoutResolving(t *testing.T) {
	server, _ := newFakeRegistry(t, map[string]map[string]string{
		"left-pad": {"index.js": "module.exports = pad;"},
	})
	defer server.Close()

	projectDir := t.TempDir()
	chdir(t, projectDir)
	writeManifest(t, projectDir, map[string]string{"left-pad": "^1.0.0"})

	cfg := config.Config{
		CacheRoot:          t.TempDir(),
		Registry:           server.URL,
		NetworkConcurrency: 4,
		LinkMode:           config.LinkModeCopy,
		RequestTimeout:     5,
		LockTimeout:        5,
		SolverStrategy:     "jagr",
	}

	p, err := New(cfg, projectDir)
	require.NoError(t, err)
	_, err = p.Install(context.Background(), ModeNormal)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(projectDir, config.ModulesDir)))

	p2, err := New(cfg, projectDir)
	require.NoError(t, err)
	result, err := p2.Install(context.Background(), ModeFrozen)
	require.NoError(t, err)
	require.Equal(t, "frozen", result.Mode)

	data, err := os.ReadFile(filepath.Join(projectDir, config.ModulesDir, "left-pad", "index.js"))
	require.NoError(t, err)
	require.Equal(t, "module.exports = pad;", string(data))
}

func TestInstallFrozenFailsWithoutLockfile(t *testing.T) {
	projectDir := t.TempDir()
	chdir(t, projectDir)
	writeManifest(t, projectDir, map[string]string{"left-pad": "^1.0.0"})

	cfg := config.Config{CacheRoot: t.TempDir(), Registry: "http://127.0.0.1:0", LinkMode: config.LinkModeCopy, NetworkConcurrency: 2, RequestTimeout: 5, LockTimeout: 5}
	p, err := New(cfg, projectDir)
	require.NoError(t, err)

	_, err = p.Install(context.Background(), ModeFrozen)
	require.Error(t, err)
}
