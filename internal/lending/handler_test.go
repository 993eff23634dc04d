package lending

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/httpx"
)

func newTestServer(t *testing.T) (*httptest.Server, *fixture) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc)
	h.now = f.clock
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, f
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body httpx.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code
}

func TestHandleBorrowAndReturn(t *testing.T) {
	srv, f := newTestServer(t)
	user, book := f.user(t), f.book(t, 1)

	resp := post(t, srv.URL+"/loans", BorrowRequest{UserID: user, BookID: book})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var view View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, StatusActive, view.Status)
	assert.False(t, view.Overdue)

	again := post(t, srv.URL+"/loans", BorrowRequest{UserID: f.user(t), BookID: book})
	defer again.Body.Close()
	assert.Equal(t, http.StatusConflict, again.StatusCode)
	assert.Equal(t, "book_unavailable", errorCode(t, again))

	ret := post(t, srv.URL+"/loans/"+view.ID.String()+"/return", struct{}{})
	defer ret.Body.Close()
	require.Equal(t, http.StatusOK, ret.StatusCode)

	twice := post(t, srv.URL+"/loans/"+view.ID.String()+"/return", struct{}{})
	defer twice.Body.Close()
	assert.Equal(t, http.StatusConflict, twice.StatusCode)
	assert.Equal(t, "not_active", errorCode(t, twice))
}

func TestHandleBorrowMapsErrors(t *testing.T) {
	srv, f := newTestServer(t)

	missing := post(t, srv.URL+"/loans", BorrowRequest{UserID: uuid.New(), BookID: uuid.New()})
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, "user_not_found", errorCode(t, missing))

	f.inventory.onDecrement = func(int32) (bool, error) { return false, errTransport }
	failed := post(t, srv.URL+"/loans", BorrowRequest{UserID: f.user(t), BookID: f.book(t, 1)})
	defer failed.Body.Close()
	assert.Equal(t, http.StatusBadGateway, failed.StatusCode)
	assert.Equal(t, "inventory_update_failed", errorCode(t, failed))
}

func TestHandleReturnByUserAndBook(t *testing.T) {
	srv, f := newTestServer(t)
	user, book := f.user(t), f.book(t, 1)

	none := post(t, srv.URL+"/loans/return", ReturnRequest{UserID: user, BookID: book})
	defer none.Body.Close()
	assert.Equal(t, http.StatusNotFound, none.StatusCode)
	assert.Equal(t, "no_active_loan", errorCode(t, none))

	_, err := f.borrow(user, book)
	require.NoError(t, err)
	ok := post(t, srv.URL+"/loans/return", ReturnRequest{UserID: user, BookID: book})
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestHandleListsAndStats(t *testing.T) {
	srv, f := newTestServer(t)
	user := f.user(t)
	start := f.clock()
	for i := 0; i < 2; i++ {
		_, err := f.borrow(user, f.book(t, 1))
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/users/" + user.String() + "/loans?active=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	var views []View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Len(t, views, 2)

	count, err := http.Get(srv.URL + "/loans/stats/active")
	require.NoError(t, err)
	defer count.Body.Close()
	var body httpx.CountBody
	require.NoError(t, json.NewDecoder(count.Body).Decode(&body))
	assert.Equal(t, int64(2), body.Count)

	since, err := http.Get(srv.URL + "/loans/stats/since?since=" + start.Add(-time.Minute).Format(time.RFC3339))
	require.NoError(t, err)
	defer since.Body.Close()
	require.NoError(t, json.NewDecoder(since.Body).Decode(&body))
	assert.Equal(t, int64(2), body.Count)

	between, err := http.Get(srv.URL + "/loans?from=" + start.Add(-time.Hour).Format(time.RFC3339) + "&to=" + start.Add(time.Hour).Format(time.RFC3339))
	require.NoError(t, err)
	defer between.Body.Close()
	require.Equal(t, http.StatusOK, between.StatusCode)

	bad, err := http.Get(srv.URL + "/loans?from=yesterday")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	avg, err := http.Get(srv.URL + "/loans/stats/average-return-time")
	require.NoError(t, err)
	defer avg.Body.Close()
	var value httpx.ValueBody
	require.NoError(t, json.NewDecoder(avg.Body).Decode(&value))
	assert.Zero(t, value.Value)
}
