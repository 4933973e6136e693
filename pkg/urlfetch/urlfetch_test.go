package urlfetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFetcher allows loopback so httptest servers work, with a stub
// resolver for the DNS re-check tests.
func testFetcher(config Config) *Fetcher {
	f := New(config)
	f.lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	return f
}

func TestValidateBlocksUnsafeURLs(t *testing.T) {
	f := New(Config{BlockUnsafeConnections: true, MaxRedirects: 3})
	f.lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
		if host == "evil.example.com" {
			return []net.IP{net.ParseIP("10.0.0.5")}, nil
		}
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}

	blocked := []string{
		"ftp://example.com/file",
		"http://localhost/secret",
		"http://foo.localhost/secret",
		"http://printer.local/admin",
		"http://db.internal/dump",
		"http://nas.lan/share",
		"http://router.home/config",
		"http://api.default.svc/token",
		"http://api.default.svc.cluster.local/token",
		"http://127.0.0.1/metadata",
		"http://10.1.2.3/metadata",
		"http://172.16.0.1/metadata",
		"http://192.168.1.1/admin",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/metadata",
		"http://[fd00::1]/internal",
		"http://0.0.0.0/x",
		"http://evil.example.com/resolves-private",
	}
	for _, raw := range blocked {
		t.Run(raw, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), raw)
			assert.ErrorIs(t, err, ErrBlocked)
		})
	}

	t.Run("https only", func(t *testing.T) {
		strict := New(Config{BlockUnsafeConnections: true, HTTPSOnly: true})
		_, err := strict.Fetch(context.Background(), "http://example.com/file")
		assert.ErrorIs(t, err, ErrBlocked)
	})
}

func TestValidateAllowsPublicHosts(t *testing.T) {
	f := testFetcher(Config{BlockUnsafeConnections: true})

	for _, raw := range []string{
		"http://example.com/file.png",
		"https://cdn.example.org/a/b.jpg",
		"http://93.184.216.34/direct",
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.NoError(t, f.validate(context.Background(), u))
	}
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", `attachment; filename="photo.png"`)
		_, _ = w.Write([]byte("png-data"))
	}))
	defer server.Close()

	f := New(Config{MaxRedirects: 3}) // guard off so loopback is allowed
	dl, err := f.Fetch(context.Background(), server.URL+"/some/path.bin")
	require.NoError(t, err)
	defer func() { _ = dl.Body.Close() }()

	assert.Equal(t, "image/png", dl.ContentType)
	assert.Equal(t, "photo.png", dl.Filename)

	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-data", string(body))
}

func TestFetchFilenameFromPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	f := New(Config{})
	dl, err := f.Fetch(context.Background(), server.URL+"/images/cat.jpg")
	require.NoError(t, err)
	defer func() { _ = dl.Body.Close() }()
	assert.Equal(t, "cat.jpg", dl.Filename)
}

func TestFetchFollowsRedirects(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, server.URL+"/middle", http.StatusFound)
		case "/middle":
			http.Redirect(w, r, "/final", http.StatusMovedPermanently) // relative
		case "/final":
			_, _ = w.Write([]byte("done"))
		}
	}))
	defer server.Close()

	f := New(Config{MaxRedirects: 3})
	dl, err := f.Fetch(context.Background(), server.URL+"/start")
	require.NoError(t, err)
	defer func() { _ = dl.Body.Close() }()

	body, _ := io.ReadAll(dl.Body)
	assert.Equal(t, "done", string(body))
	assert.Equal(t, server.URL+"/final", dl.FinalURL)
}

func TestFetchRedirectLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer server.Close()

	f := New(Config{MaxRedirects: 2})
	_, err := f.Fetch(context.Background(), server.URL+"/loop")
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestFetchRedirectHopRevalidated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "ftp://internal.example.com/file")
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	// The first hop passes; the redirect target must be re-validated and
	// rejected on its protocol.
	f := New(Config{MaxRedirects: 3})
	_, err := f.Fetch(context.Background(), server.URL+"/start")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestGuardReaderSizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	f := New(Config{MaxBytes: 1024})
	dl, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	defer func() { _ = dl.Body.Close() }()

	_, err = io.ReadAll(dl.Body)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestGuardReaderIdleTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.(http.Flusher).Flush()
		time.Sleep(2 * time.Second) // never send the body
	}))
	defer server.Close()

	f := New(Config{IdleTimeout: 100 * time.Millisecond})
	dl, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	defer func() { _ = dl.Body.Close() }()

	_, err = io.ReadAll(dl.Body)
	assert.ErrorIs(t, err, ErrIdleTimeout)
}

func TestGuardReaderLengthMismatch(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	// Raw server: advertise 100 bytes, send 5, close the connection.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		_, _ = fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nhello")
		_ = conn.Close()
	}()

	f := New(Config{})
	dl, err := f.Fetch(context.Background(), "http://"+listener.Addr().String()+"/file")
	require.NoError(t, err)
	defer func() { _ = dl.Body.Close() }()

	_, err = io.ReadAll(dl.Body)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}
