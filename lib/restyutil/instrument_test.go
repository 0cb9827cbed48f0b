package restyutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

type memoryOutput struct {
	mu       sync.Mutex
	messages map[string]string
}

func (m *memoryOutput) Write(id string, contents string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages == nil {
		m.messages = map[string]string{}
	}
	m.messages[id] = contents
}

func TestInstrumentClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("has been texted"))
	}))
	defer srv.Close()

	out := &memoryOutput{}
	client := resty.New().SetBaseURL(srv.URL)
	InstrumentClient(client, "s1", out)

	_, err := client.R().
		SetHeader("Authorization", "Bearer secret-token").
		SetFormData(map[string]string{
			"username": "staff",
			"password": "hunter2",
		}).
		Post("/action/Login")
	require.NoError(t, err)

	require.Len(t, out.messages, 1)
	transcript, ok := out.messages["s1-1"]
	require.True(t, ok)
	require.Contains(t, transcript, "POST "+srv.URL+"/action/Login")
	require.Contains(t, transcript, "has been texted")
	require.Contains(t, transcript, "username=staff")
	require.NotContains(t, transcript, "hunter2")
	require.NotContains(t, transcript, "secret-token")
}

func TestInstrumentClientNilOutput(t *testing.T) {
	client := resty.New()
	InstrumentClient(client, "", nil)
}

func TestFilesystemOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dump")
	out, err := NewFilesystemOutput(dir)
	require.NoError(t, err)

	out.Write("1", "hello")
	contents, err := os.ReadFile(filepath.Join(out.Directory(), "1.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(contents))
}
