package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"libralend/internal/logger"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, http.StatusConflict, "duplicate_loan", assert.AnError)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "duplicate_loan", body.Error.Code)
	assert.Equal(t, assert.AnError.Error(), body.Error.Message)
}

func TestDecodeRejectsEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var v map[string]string

	assert.Error(t, Decode(req, &v))
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=7&bad=-1&junk=x", nil)

	assert.Equal(t, 7, QueryInt(req, "limit", 10))
	assert.Equal(t, 10, QueryInt(req, "bad", 10))
	assert.Equal(t, 10, QueryInt(req, "junk", 10))
	assert.Equal(t, 10, QueryInt(req, "missing", 10))
}

func TestRateLimitRejectsWhenBucketEmpty(t *testing.T) {
	r := NewRouter(logger.Nop())
	r.Use(RateLimit(rate.NewLimiter(rate.Limit(0.0001), 1)))
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
