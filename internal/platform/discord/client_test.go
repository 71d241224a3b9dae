package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]http.HandlerFunc
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{routes: make(map[string]http.HandlerFunc)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		api.mu.Lock()
		api.requests = append(api.requests, rec)
		handler, ok := api.routes[r.Method+" "+r.URL.Path]
		api.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":0,"message":"404: Not Found"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewClient("secret", WithBaseURL(srv.URL), WithRateLimit(0), WithClientLogger(logging.Discard()))
	return api, client
}

func (a *fakeAPI) handle(route string, status int, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[route] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (a *fakeAPI) recorded() []recorded {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recorded(nil), a.requests...)
}

func TestFetchOrCreateProxyReusesOwnedWebhook(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("GET /users/@me", http.StatusOK, `{"id":"bot","username":"personabot","bot":true}`)
	api.handle("GET /channels/c1/webhooks", http.StatusOK,
		`[{"id":"w0","name":"Socrates"},{"id":"w1","token":"tok","channel_id":"c1","name":"Socrates","user":{"id":"bot"}}]`)

	proxy, err := client.FetchOrCreateProxy(context.Background(), "c1", chat.Identity{DisplayName: "Socrates"})
	require.NoError(t, err)
	assert.Equal(t, platform.Proxy{ID: "w1", Token: "tok", ChannelID: "c1", Name: "Socrates"}, proxy)

	reqs := api.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bot secret", reqs[0].auth)
	assert.Equal(t, "/users/@me", reqs[1].path)

	_, err = client.FetchOrCreateProxy(context.Background(), "c1", chat.Identity{DisplayName: "Socrates"})
	require.NoError(t, err)
	assert.Len(t, api.recorded(), 3, "bot identity is looked up once")
}

func TestFetchOrCreateProxyNeverAdoptsForeignWebhook(t *testing.T) {
	api, client := newFakeAPI(t)
	client.SetBotUserID("bot")
	api.handle("GET /channels/c1/webhooks", http.StatusOK,
		`[{"id":"human","token":"htok","channel_id":"c1","name":"Socrates","user":{"id":"999"}},
		  {"id":"other-app","token":"atok","channel_id":"c1","name":"Socrates","application_id":"555"}]`)
	api.handle("POST /channels/c1/webhooks", http.StatusOK,
		`{"id":"w9","token":"t9","channel_id":"c1","name":"Socrates","user":{"id":"bot"}}`)
	api.handle("DELETE /webhooks/w9", http.StatusNoContent, ``)

	proxy, err := client.FetchOrCreateProxy(context.Background(), "c1", chat.Identity{DisplayName: "Socrates"})
	require.NoError(t, err)
	assert.Equal(t, "w9", proxy.ID)

	require.NoError(t, client.DeleteProxy(context.Background(), proxy))
	for _, req := range api.recorded() {
		assert.NotEqual(t, "/webhooks/human", req.path)
		assert.NotEqual(t, "/webhooks/other-app", req.path)
	}
}

func TestFetchOrCreateProxyAdoptsByApplicationID(t *testing.T) {
	api, client := newFakeAPI(t)
	client.SetBotUserID("bot")
	api.handle("GET /channels/c1/webhooks", http.StatusOK,
		`[{"id":"w1","token":"tok","channel_id":"c1","name":"Socrates","application_id":"bot"}]`)

	proxy, err := client.FetchOrCreateProxy(context.Background(), "c1", chat.Identity{DisplayName: "Socrates"})
	require.NoError(t, err)
	assert.Equal(t, "w1", proxy.ID)
}

func TestFetchOrCreateProxyCreates(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("GET /channels/c1/webhooks", http.StatusOK, `[]`)
	api.handle("POST /channels/c1/webhooks", http.StatusOK, `{"id":"w9","token":"t9","channel_id":"c1","name":"Socrates"}`)

	proxy, err := client.FetchOrCreateProxy(context.Background(), "c1", chat.Identity{DisplayName: "Socrates"})
	require.NoError(t, err)
	assert.Equal(t, "w9", proxy.ID)
	assert.Equal(t, "t9", proxy.Token)

	reqs := api.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Socrates", reqs[1].body["name"])
}

func TestFetchOrCreateProxyPermissionDenied(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("GET /channels/c1/webhooks", http.StatusForbidden, `{"code":50013,"message":"Missing Permissions"}`)

	_, err := client.FetchOrCreateProxy(context.Background(), "c1", chat.Identity{DisplayName: "Socrates"})
	assert.ErrorIs(t, err, platform.ErrPermissionDenied)

	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, platform.CodeMissingPerms, apiErr.Code)
}

func TestSendViaProxy(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("POST /webhooks/w1/tok", http.StatusOK, `{"id":"m1"}`)

	err := client.SendViaProxy(context.Background(),
		platform.Proxy{ID: "w1", Token: "tok"},
		chat.Identity{DisplayName: "Socrates", AvatarURL: "https://a/b.png"},
		"hello")
	require.NoError(t, err)

	reqs := api.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hello", reqs[0].body["content"])
	assert.Equal(t, "Socrates", reqs[0].body["username"])
	assert.Equal(t, "https://a/b.png", reqs[0].body["avatar_url"])
	assert.Equal(t, map[string]any{"parse": []any{}}, reqs[0].body["allowed_mentions"])
}

func TestSendViaDeletedWebhookIsGone(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("POST /webhooks/w1/tok", http.StatusNotFound, `{"code":10015,"message":"Unknown Webhook"}`)

	err := client.SendViaProxy(context.Background(), platform.Proxy{ID: "w1", Token: "tok"}, chat.Identity{}, "hi")
	assert.ErrorIs(t, err, platform.ErrProxyGone)
	assert.NotContains(t, err.Error(), "tok")
}

func TestDeleteProxy(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("DELETE /webhooks/w1", http.StatusNoContent, ``)

	require.NoError(t, client.DeleteProxy(context.Background(), platform.Proxy{ID: "w1"}))
	err := client.DeleteProxy(context.Background(), platform.Proxy{ID: "w2"})
	assert.ErrorIs(t, err, platform.ErrProxyGone)
}

func TestRateLimitedResponse(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("DELETE /webhooks/w1", http.StatusTooManyRequests, `{"message":"You are being rate limited.","retry_after":1.5}`)

	err := client.DeleteProxy(context.Background(), platform.Proxy{ID: "w1"})
	assert.ErrorIs(t, err, platform.ErrRateLimited)
}

func TestDisplayName(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("GET /guilds/g1/members/1", http.StatusOK, `{"nick":"Ally","user":{"id":"1","username":"alice","global_name":"Alice"}}`)
	api.handle("GET /guilds/g1/members/2", http.StatusOK, `{"user":{"id":"2","username":"bob","global_name":"Bobby"}}`)
	api.handle("GET /users/3", http.StatusOK, `{"id":"3","username":"carol"}`)

	ctx := context.Background()
	name, err := client.DisplayName(ctx, "g1", "1")
	require.NoError(t, err)
	assert.Equal(t, "Ally", name)

	name, err = client.DisplayName(ctx, "g1", "2")
	require.NoError(t, err)
	assert.Equal(t, "Bobby", name)

	name, err = client.DisplayName(ctx, "", "3")
	require.NoError(t, err)
	assert.Equal(t, "carol", name)

	_, err = client.DisplayName(ctx, "g1", "404")
	assert.Error(t, err)
}

func TestAvatarURL(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("GET /users/1", http.StatusOK, `{"id":"1","username":"a","avatar":"abc"}`)
	api.handle("GET /users/2", http.StatusOK, `{"id":"2","username":"b","avatar":"a_anim"}`)
	api.handle("GET /users/3", http.StatusOK, `{"id":"3","username":"c"}`)

	ctx := context.Background()
	url, err := client.AvatarURL(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.discordapp.com/avatars/1/abc.png", url)

	url, err = client.AvatarURL(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.discordapp.com/avatars/2/a_anim.gif", url)

	url, err = client.AvatarURL(ctx, "3")
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestWebhookNameIsBounded(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "苏"
	}
	assert.Len(t, []rune(webhookName(long)), maxWebhookName)
	assert.Equal(t, "persona", webhookName("  "))
}
