package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"ftp://example.org", "://bad", "example.org"} {
		if _, err := New(u, time.Second); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}

func TestUploadRawImage(t *testing.T) {
	image := []byte{0xE9, 0x03, 0x02, 0x20}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != uploadPath {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got, _ := io.ReadAll(f)
		if !bytes.Equal(got, image) {
			t.Errorf("uploaded % X", got)
		}
		if hdr.Filename != "ESP32_AABBCCDDEEFF.bin" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		io.WriteString(w, "ESP32_AABBCCDDEEFF.bin\n")
	})

	ref, err := c.UploadRawImage(context.Background(), "ESP32_AABBCCDDEEFF.bin", bytes.NewReader(image))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref != "ESP32_AABBCCDDEEFF.bin" {
		t.Errorf("reference = %q", ref)
	}
}

func TestPatchFirmwareQuery(t *testing.T) {
	tests := []struct {
		name string
		req  PatchRequest
		want map[string]string
	}{
		{
			name: "hostname only",
			req:  PatchRequest{Reference: "ref.bin", Hostname: "teddycloud"},
			want: map[string]string{"filename": "ref.bin", "hostname": "teddycloud"},
		},
		{
			name: "all fields",
			req: PatchRequest{
				Reference: "ref.bin", Hostname: "tc.local", HostnameOld: "prod.de",
				WifiSSID: "home", WifiPassword: "s3cret&x",
			},
			want: map[string]string{
				"filename": "ref.bin", "hostname": "tc.local", "hostname_old": "prod.de",
				"wifi_ssid": "home", "wifi_pass": "s3cret&x",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if len(q) != len(tt.want) {
					t.Errorf("query = %v", q)
				}
				for k, v := range tt.want {
					if q.Get(k) != v {
						t.Errorf("%s = %q, want %q", k, q.Get(k), v)
					}
				}
				w.Write([]byte("patched"))
			})

			data, err := c.PatchFirmware(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("patch: %v", err)
			}
			if string(data) != "patched" {
				t.Errorf("data = %q", data)
			}
		})
	}
}

func TestStatusErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case extractPath:
			if r.URL.Query().Get("overwrite") == "true" {
				w.WriteHeader(http.StatusOK)
				return
			}
			http.Error(w, "certificates already exist", http.StatusConflict)
		case patchPath:
			http.Error(w, "invalid hostname", http.StatusBadRequest)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	})

	err := c.ExtractCertificates(context.Background(), "ref.bin", false)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusConflict {
		t.Fatalf("got %v, want 409 StatusError", err)
	}
	if !strings.Contains(se.Body, "already exist") {
		t.Errorf("body = %q", se.Body)
	}

	if err := c.ExtractCertificates(context.Background(), "ref.bin", true); err != nil {
		t.Errorf("overwrite: %v", err)
	}

	_, err = c.PatchFirmware(context.Background(), PatchRequest{Reference: "ref.bin", Hostname: "x"})
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("patch: got %v", err)
	}

	_, err = c.UploadRawImage(context.Background(), "a.bin", bytes.NewReader([]byte{1}))
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("upload: got %v", err)
	}
}
