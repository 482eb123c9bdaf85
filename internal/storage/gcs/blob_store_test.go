package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	objstore "github.com/JakeFAU/fnscraper/internal/storage"
)

const testBucket = "test-bucket"

// newTestStore points a real client at handler.
func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, Config{Bucket: testBucket})
	require.NoError(t, err)
	return s
}

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{Bucket: testBucket})
	assert.ErrorContains(t, err, "client")

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	assert.ErrorContains(t, err, "bucket")
}

func TestPutUploadsWithDoesNotExistPrecondition(t *testing.T) {
	t.Parallel()
	body := []byte("%PDF-1.7 body")

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", testBucket))
		assert.Equal(t, "deadbeef", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(raw), string(body))
		assert.Contains(t, string(raw), "application/pdf")

		fmt.Fprintln(w, `{"name": "deadbeef", "bucket": "test-bucket"}`)
	}))

	url, err := s.Put(context.Background(), "deadbeef", body, objstore.PutOptions{ContentType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/deadbeef", url)
}

func TestPutTreatsPreconditionFailureAsExisting(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error": {"code": 412, "message": "conditionNotMet"}}`)
	}))

	url, err := s.Put(context.Background(), "deadbeef", []byte("x"), objstore.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/deadbeef", url)
}

func TestPutReportsServerErrors(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error": {"code": 400, "message": "invalid"}}`)
	}))

	_, err := s.Put(context.Background(), "deadbeef", []byte("x"), objstore.PutOptions{})
	assert.ErrorContains(t, err, "close writer")
}

func TestPutRejectsInvalidKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	}))
	_, err := s.Put(context.Background(), "../escape", []byte("x"), objstore.PutOptions{})
	assert.ErrorIs(t, err, objstore.ErrInvalidKey)
}

func TestExists(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/o/present") {
			fmt.Fprintln(w, `{"name": "present", "bucket": "test-bucket", "size": "3"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error": {"code": 404, "message": "No such object"}}`)
	}))

	ok, err := s.Exists(context.Background(), "present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}
