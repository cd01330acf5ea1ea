package ipfs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "facedid/pkg/domain-errors"
	"facedid/pkg/platform/sentinel"
)

func TestAdd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/add", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		fmt.Fprint(w, `{"Name":"embedding.json","Hash":"QmTestHash","Size":"42"}`)
	}))
	defer srv.Close()

	hash, err := New(srv.URL).Add(context.Background(), "embedding.json", []byte(`[0.1,0.2]`))
	require.NoError(t, err)
	assert.Equal(t, "QmTestHash", hash)
}

func TestAddEmptyHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Add(context.Background(), "x", []byte("y"))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
}

func TestCat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/cat", r.URL.Path)
		require.Equal(t, "QmTestHash", r.URL.Query().Get("arg"))
		fmt.Fprint(w, `[0.1,0.2]`)
	}))
	defer srv.Close()

	payload, err := New(srv.URL).Cat(context.Background(), "QmTestHash")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[0.1,0.2]`), payload)
}

func TestCatUnknownHash(t *testing.T) {
	// Kubo answers 500 with an error body for unresolvable CIDs.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"Message":"no link named"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Cat(context.Background(), "QmGhost")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestStat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/block/stat", r.URL.Path)
		if r.URL.Query().Get("arg") == "QmKnown" {
			fmt.Fprint(w, `{"Key":"QmKnown","Size":42}`)
			return
		}
		http.Error(w, "not found", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(srv.URL)
	assert.NoError(t, client.Stat(context.Background(), "QmKnown"))

	err := client.Stat(context.Background(), "QmGhost")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestUnreachableNode(t *testing.T) {
	client := New("http://127.0.0.1:1")

	_, err := client.Add(context.Background(), "x", []byte("y"))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStorageUnavailable))

	_, err = client.Cat(context.Background(), "QmHash")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
}
