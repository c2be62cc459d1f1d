package crossbuild

import (
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"crossbuild/internal/testcontext"
)

// fakeS3 serves the subset of the S3 API used by R2Store over path-style
// URLs for a single bucket.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	data    []byte
	modTime time.Time
}

type listBucketResult struct {
	XMLName     xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name        string         `xml:"Name"`
	Prefix      string         `xml:"Prefix"`
	KeyCount    int            `xml:"KeyCount"`
	MaxKeys     int            `xml:"MaxKeys"`
	IsTruncated bool           `xml:"IsTruncated"`
	Contents    []listContents `xml:"Contents"`
}

type listContents struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	Size         int64  `xml:"Size"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/"+f.bucket)
	if !ok {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(rest, "/")

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPut && key != "":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.objects[key] = fakeObject{data: data, modTime: time.Now().UTC()}
		w.Header().Set("ETag", `"fake"`)
	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		result := listBucketResult{Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
		var names []string
		for name := range f.objects {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			obj := f.objects[name]
			result.Contents = append(result.Contents, listContents{
				Key:          name,
				LastModified: obj.modTime.Format("2006-01-02T15:04:05.000Z"),
				Size:         int64(len(obj.data)),
			})
		}
		result.KeyCount = len(result.Contents)
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, xml.Header)
		xml.NewEncoder(w).Encode(result)
	case r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, xml.Header+"<Error><Code>NoSuchKey</Code><Message>not found</Message></Error>")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(obj.data)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func newFakeR2Store(t *testing.T) (*R2Store, *fakeS3) {
	t.Helper()
	ctx, cancel := testcontext.New(t)
	defer cancel()

	fake := &fakeS3{bucket: "builds", objects: make(map[string]fakeObject)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := &Config{Values: map[string]string{
		"R2_ENDPOINT":          srv.URL,
		"R2_ACCESS_KEY_ID":     "id",
		"R2_SECRET_ACCESS_KEY": "secret",
		"R2_BUCKET_NAME":       "builds",
	}}
	client, err := NewR2Client(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &R2Store{Client: client, Compression: "zstd", TempDir: t.TempDir()}, fake
}

func TestR2Store(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	store, fake := newFakeR2Store(t)
	target := filepath.Join(t.TempDir(), "target")
	writeFiles(t, target, map[string]string{"release/alpha": "v1"})
	paths := []string{target}

	key := NewCacheKey("Linux", "one")
	if err := store.Save(ctx, paths, key.Primary); err != nil {
		t.Fatal(err)
	}
	if _, ok := fake.objects["Linux-CrossBuild-one.tar.zst"]; !ok {
		t.Fatalf("bucket objects after Save = %v; want Linux-CrossBuild-one.tar.zst", fake.objects)
	}
	if err := os.RemoveAll(target); err != nil {
		t.Fatal(err)
	}

	matched, err := store.Restore(ctx, paths, NewCacheKey("Linux", "two"))
	if err != nil {
		t.Fatal(err)
	}
	if matched != key.Primary {
		t.Errorf("Restore(fallback) matched %q; want %q", matched, key.Primary)
	}
	assertFile(t, filepath.Join(target, "release", "alpha"), "v1")

	matched, err = store.Restore(ctx, paths, NewCacheKey("macOS", "one"))
	if err != nil {
		t.Fatal(err)
	}
	if matched != "" {
		t.Errorf("Restore(other platform) matched %q; want miss", matched)
	}

	snaps, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].Key != key.Primary {
		t.Errorf("List() = %+v; want one snapshot for %s", snaps, key.Primary)
	}
}

func TestNewR2ClientMissingCredentials(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	cfg := &Config{Values: map[string]string{"R2_ACCOUNT_ID": "acct"}}
	if _, err := NewR2Client(ctx, cfg); err == nil {
		t.Error("NewR2Client without keys = <nil>; want error")
	}
}
