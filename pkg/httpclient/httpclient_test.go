package httpclient_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigilid/sigil/pkg/httpclient"
)

func TestRejectsGarbageCA(t *testing.T) {
	_, err := httpclient.New([]string{"definitely not PEM"})
	require.Error(t, err)
}

func TestDoesNotFollowRedirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer ts.Close()

	client, err := httpclient.New(nil)
	require.NoError(t, err)

	res, err := client.Get(ts.URL)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusFound, res.StatusCode)
}

func TestHonorsCacheHeaders(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		fmt.Fprint(w, `{"keys":[]}`)
	}))
	defer ts.Close()

	client, err := httpclient.New(nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := client.Get(ts.URL)
		require.NoError(t, err)
		_, err = io.ReadAll(res.Body)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
	}
	require.Equal(t, int32(1), hits.Load())
}
