package pan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/provider"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.APIBase = server.URL
	cfg.UploadBase = server.URL
	cfg.RequestTimeout = 5 * time.Second
	cfg.SliceTimeout = 5 * time.Second

	c := NewClient(cfg, provider.StaticCredentials("test-token"))
	t.Cleanup(c.Cleanup)

	return c
}

func TestPrecreateReturnsSession(t *testing.T) {
	var gotToken, gotRequestID string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("access_token")
		gotRequestID = r.Header.Get("X-Request-Id")

		if r.URL.Query().Get("method") != "precreate" {
			t.Errorf("unexpected method param: %q", r.URL.Query().Get("method"))
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("block_count"); got != "3" {
			t.Errorf("block_count = %q, want 3", got)
		}

		fmt.Fprint(w, `{"errno":0,"uploadid":"N1-abc123"}`)
	}))

	uploadID, err := c.Precreate(context.Background(), "/apps/demo/file.bin", 10, 4, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uploadID != "N1-abc123" {
		t.Errorf("uploadID = %q", uploadID)
	}
	if gotToken != "test-token" {
		t.Errorf("access_token = %q", gotToken)
	}
	if gotRequestID == "" {
		t.Error("expected an X-Request-Id header on every call")
	}
}

func TestPrecreateWithoutSessionIsProtocolError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":0}`)
	}))

	_, err := c.Precreate(context.Background(), "/p", 10, 4, 3)

	var protoErr *provider.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestErrnoMapsToAuthError(t *testing.T) {
	for _, errno := range []int{-6, 111} {
		t.Run(strconv.Itoa(errno), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"errno":%d,"errmsg":"access token invalid or no longer valid"}`, errno)
			}))

			_, err := c.Precreate(context.Background(), "/p", 10, 4, 3)

			var authErr *provider.AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("errno %d should map to AuthError, got %v", errno, err)
			}
		})
	}
}

func TestUnknownErrnoIsProtocolError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errno":-10,"errmsg":"cloud storage full"}`)
	}))

	err := c.Finalize(context.Background(), "/p", "session", 10)

	var protoErr *provider.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if protoErr.Code != -10 {
		t.Errorf("code = %d", protoErr.Code)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, func(err error) bool {
			var e *provider.AuthError
			return errors.As(err, &e)
		}},
		{"forbidden", http.StatusForbidden, func(err error) bool {
			var e *provider.AuthError
			return errors.As(err, &e)
		}},
		{"server error", http.StatusInternalServerError, func(err error) bool {
			var e *provider.NetworkError
			return errors.As(err, &e)
		}},
		{"throttled", http.StatusTooManyRequests, func(err error) bool {
			var e *provider.NetworkError
			return errors.As(err, &e)
		}},
		{"unexpected 3xx", http.StatusMultipleChoices, func(err error) bool {
			var e *provider.ProtocolError
			return errors.As(err, &e)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))

			err := c.Finalize(context.Background(), "/p", "session", 10)
			if err == nil || !tc.check(err) {
				t.Fatalf("status %d mapped to %T: %v", tc.status, err, err)
			}
		})
	}
}

func TestUploadSliceSendsPartSeq(t *testing.T) {
	var gotPartSeq, gotUploadID string
	var gotData []byte
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPartSeq = r.URL.Query().Get("partseq")
		gotUploadID = r.URL.Query().Get("uploadid")

		file, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("failed to read multipart file: %v", err)
		}
		defer file.Close()
		buf := make([]byte, 16)
		n, _ := file.Read(buf)
		gotData = buf[:n]

		fmt.Fprint(w, `{"errno":0}`)
	}))

	err := c.UploadSlice(context.Background(), "/p", "session-9", 2, 3, []byte("abcd"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPartSeq != "2" {
		t.Errorf("partseq = %q", gotPartSeq)
	}
	if gotUploadID != "session-9" {
		t.Errorf("uploadid = %q", gotUploadID)
	}
	if string(gotData) != "abcd" {
		t.Errorf("slice body = %q", gotData)
	}
}

func TestReadRangeSendsRangeHeader(t *testing.T) {
	content := []byte("0123456789")
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=4-7" {
			t.Errorf("Range = %q, want bytes=4-7", got)
		}
		w.Write(content[4:8])
	}))

	data, err := c.ReadRange(context.Background(), "/p", 4, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "4567" {
		t.Errorf("data = %q", data)
	}
}

func TestReadRangeZeroLength(t *testing.T) {
	// An empty remote file needs no request at all; "bytes=0--1" is not a
	// valid Range header.
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected for a zero-length read, got Range %q", r.Header.Get("Range"))
	}))

	data, err := c.ReadRange(context.Background(), "/p", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty data, got %d bytes", len(data))
	}
}

func TestReadRangeShortBodyIsProtocolError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("xy"))
	}))

	_, err := c.ReadRange(context.Background(), "/p", 0, 4)

	var protoErr *provider.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError for short body, got %v", err)
	}
}

func TestCredentialFailureIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent without credentials")
	}))
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.APIBase = server.URL
	cfg.UploadBase = server.URL

	c := NewClient(cfg, credFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("keychain locked")
	}))
	t.Cleanup(c.Cleanup)

	_, err := c.Precreate(context.Background(), "/p", 10, 4, 3)

	var authErr *provider.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

type credFunc func(ctx context.Context) (string, error)

func (f credFunc) AccessToken(ctx context.Context) (string, error) { return f(ctx) }
