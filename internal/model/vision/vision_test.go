package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visual-search/pkg/config"
)

func TestAttributes_Tags(t *testing.T) {
	assert.Equal(t, "", (*Attributes)(nil).Tags())
	assert.Equal(t, "Aviator,Black", (&Attributes{Style: "Aviator", Color: "Black"}).Tags())
	assert.Equal(t, "Round", (&Attributes{Style: " Round "}).Tags())
}

func TestStubExtractor(t *testing.T) {
	e := &StubExtractor{Dimension: 20}
	a, err := e.Extract(context.Background(), []byte("frame-a"))
	require.NoError(t, err)
	require.Len(t, a, 20)

	again, err := e.Extract(context.Background(), []byte("frame-a"))
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := e.Extract(context.Background(), []byte("frame-b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = e.Extract(context.Background(), nil)
	assert.Error(t, err)
}

func TestStubClassifier(t *testing.T) {
	emb := make([]float32, 16)
	emb[2] = 1 // Round
	emb[6] = 1 // Black
	attrs, err := (&StubClassifier{}).Classify(context.Background(), emb)
	require.NoError(t, err)
	assert.Equal(t, "Round", attrs.Style)
	assert.Equal(t, "Black", attrs.Color)
	assert.Greater(t, attrs.StyleConfidence, 0.0)
	assert.LessOrEqual(t, attrs.StyleConfidence, 1.0)

	_, err = (&StubClassifier{}).Classify(context.Background(), []float32{1, 2})
	assert.Error(t, err)
}

func newVisionServer(t *testing.T, embedStatus *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		if code := int(embedStatus.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		var body struct {
			Image []byte `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Image) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{0.6, 0.8}})
	})
	mux.HandleFunc("/classify", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Attributes{Style: "Aviator", StyleConfidence: 0.9, Color: "Black", ColorConfidence: 0.7})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := newVisionServer(t, &status)

	c, err := NewHTTPClient(config.VisionConfig{Endpoint: srv.URL + "/", APIKey: "secret", Timeout: "2s"}, 2)
	require.NoError(t, err)

	emb, err := c.Extract(context.Background(), []byte("jpeg bytes"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, emb)

	attrs, err := c.Classify(context.Background(), emb)
	require.NoError(t, err)
	assert.Equal(t, "Aviator,Black", attrs.Tags())

	status.Store(http.StatusBadRequest)
	_, err = c.Extract(context.Background(), []byte("jpeg bytes"))
	assert.Error(t, err)
}

func TestHTTPClient_DimensionCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := newVisionServer(t, &status)

	c, err := NewHTTPClient(config.VisionConfig{Endpoint: srv.URL, APIKey: "secret"}, 4)
	require.NoError(t, err)
	_, err = c.Extract(context.Background(), []byte("x"))
	assert.Error(t, err)
}

func TestNewHTTPClient_NoEndpoint(t *testing.T) {
	_, err := NewHTTPClient(config.VisionConfig{}, 2)
	assert.ErrorIs(t, err, ErrUnavailable)
}
