package secret

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	log "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/flant/negentropy/provisioning/model"
)

func checkStore(t *testing.T, store Store) {
	ctx := context.Background()
	key := Key("op1", "password")

	require.NoError(t, store.Put(ctx, key, model.NewGuardedString("s3cr3t")))
	v, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", v.Reveal())

	require.NoError(t, store.Purge(ctx, key))
	_, err = store.Get(ctx, key)
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func Test_MemoryStore(t *testing.T) {
	checkStore(t, NewMemoryStore())
}

// fakeKV imitates kv v2 endpoints of vault
type fakeKV struct {
	mutex  sync.Mutex
	values map[string]string
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/v1/secret/")
	switch {
	case (r.Method == http.MethodPut || r.Method == http.MethodPost) && strings.HasPrefix(path, "data/"):
		var body struct {
			Data map[string]string `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.values[strings.TrimPrefix(path, "data/")] = body.Data[valueField]
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "data/"):
		v, ok := f.values[strings.TrimPrefix(path, "data/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": map[string]string{valueField: v}},
		})
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "metadata/"):
		delete(f.values, strings.TrimPrefix(path, "metadata/"))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func Test_VaultStore(t *testing.T) {
	kv := &fakeKV{values: map[string]string{}}
	server := httptest.NewServer(kv)
	defer server.Close()
	client, err := NewVaultClient(server.URL, "root")
	require.NoError(t, err)

	store := NewVaultStore(client, "secret", "provisioning", log.NewNullLogger())
	checkStore(t, store)

	require.NoError(t, store.Put(context.Background(), "op2/password", model.NewGuardedString("x")))
	require.Equal(t, "x", kv.values["provisioning/op2/password"])
}
