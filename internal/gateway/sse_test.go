package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livegate/livegate/internal/events"
	"github.com/livegate/livegate/internal/transport"
	"github.com/livegate/livegate/pkg/model"
)

// sseClient reads "data:" frames from an open event stream.
type sseClient struct {
	resp   *http.Response
	reader *bufio.Reader
}

func openSSE(t *testing.T, gw *testGateway, query url.Values, header http.Header) *sseClient {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, gw.http.URL+"/v1/realtime/sse?"+query.Encode(), nil)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return &sseClient{resp: resp, reader: bufio.NewReader(resp.Body)}
}

func (c *sseClient) next(t *testing.T) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := c.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
		return msg
	}
	t.Fatal("timed out waiting for sse frame")
	return nil
}

func TestSSE_StreamDelivery(t *testing.T) {
	gw := newTestGateway(t, Config{})

	client := openSSE(t, gw, url.Values{"collection": {"articles"}}, nil)
	require.Equal(t, http.StatusOK, client.resp.StatusCode)
	assert.Equal(t, "text/event-stream", client.resp.Header.Get("Content-Type"))

	handshake := client.next(t)
	require.Equal(t, "connected", handshake["type"])
	clientID, _ := handshake["clientId"].(string)
	require.NotEmpty(t, clientID)

	// Subscription is registered from the query string.
	require.Eventually(t, func() bool {
		return len(gw.registry.ListByCollection("articles")) == 1
	}, time.Second, 10*time.Millisecond)

	// An event pushed over the transport reaches the stream.
	record := model.Record{"id": "a1", "title": "hello"}
	delivered := gw.tm.Send(clientID, transport.NewEventMessage("articles", events.ActionUpdate, record, time.Now()))
	require.True(t, delivered)

	evt := client.next(t)
	assert.Equal(t, "update", evt["action"])
	assert.Equal(t, "articles", evt["collection"])
	rec, _ := evt["record"].(map[string]interface{})
	require.NotNil(t, rec)
	assert.Equal(t, "a1", rec["id"])
}

func TestSSE_DisconnectCleansUp(t *testing.T) {
	gw := newTestGateway(t, Config{})

	client := openSSE(t, gw, url.Values{"collection": {"articles"}}, nil)
	require.Equal(t, "connected", client.next(t)["type"])
	require.Eventually(t, func() bool {
		total, _, _ := gw.registry.Stats()
		return total == 1
	}, time.Second, 10*time.Millisecond)

	client.resp.Body.Close()

	require.Eventually(t, func() bool {
		total, _, _ := gw.registry.Stats()
		return total == 0 && gw.tm.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSSE_BearerAuth(t *testing.T) {
	gw := newTestGateway(t, Config{RequireAuth: true})

	t.Run("missing token", func(t *testing.T) {
		client := openSSE(t, gw, url.Values{"collection": {"articles"}}, nil)
		assert.Equal(t, http.StatusUnauthorized, client.resp.StatusCode)
	})

	t.Run("malformed header", func(t *testing.T) {
		client := openSSE(t, gw, url.Values{"collection": {"articles"}},
			http.Header{"Authorization": {"Basic dXNlcg=="}})
		assert.Equal(t, http.StatusUnauthorized, client.resp.StatusCode)
	})

	t.Run("invalid token", func(t *testing.T) {
		client := openSSE(t, gw, url.Values{"collection": {"articles"}},
			http.Header{"Authorization": {"Bearer garbage"}})
		assert.Equal(t, http.StatusUnauthorized, client.resp.StatusCode)
	})

	t.Run("query token", func(t *testing.T) {
		token, err := gw.auth.GenerateToken(&model.Principal{ID: "user-2"})
		require.NoError(t, err)

		client := openSSE(t, gw, url.Values{
			"collection": {"reports"},
			"auth":       {token},
		}, nil)
		require.Equal(t, http.StatusOK, client.resp.StatusCode)
		require.Equal(t, "connected", client.next(t)["type"])

		subs := gw.registry.ListByCollection("reports")
		require.Len(t, subs, 1)
		require.NotNil(t, subs[0].Auth)
		assert.Equal(t, "user-2", subs[0].Auth.ID)
	})

	t.Run("invalid query token", func(t *testing.T) {
		client := openSSE(t, gw, url.Values{
			"collection": {"articles"},
			"auth":       {"garbage"},
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, client.resp.StatusCode)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := gw.auth.GenerateToken(&model.Principal{ID: "user-1"})
		require.NoError(t, err)

		client := openSSE(t, gw, url.Values{"collection": {"articles"}},
			http.Header{"Authorization": {"Bearer " + token}})
		require.Equal(t, http.StatusOK, client.resp.StatusCode)
		require.Equal(t, "connected", client.next(t)["type"])

		subs := gw.registry.ListByCollection("articles")
		require.Len(t, subs, 1)
		require.NotNil(t, subs[0].Auth)
		assert.Equal(t, "user-1", subs[0].Auth.ID)
	})
}

func TestSSE_BadRequests(t *testing.T) {
	gw := newTestGateway(t, Config{})

	t.Run("missing collection", func(t *testing.T) {
		client := openSSE(t, gw, url.Values{}, nil)
		assert.Equal(t, http.StatusBadRequest, client.resp.StatusCode)
	})

	t.Run("invalid filter", func(t *testing.T) {
		client := openSSE(t, gw, url.Values{
			"collection": {"articles"},
			"filter":     {"record.status == 'x'"},
		}, nil)
		require.Equal(t, http.StatusOK, client.resp.StatusCode)

		// Headers are already committed, so the rejection arrives in-stream.
		for {
			msg := client.next(t)
			if msg["type"] == "connected" {
				continue
			}
			assert.Equal(t, "error", msg["type"])
			var payload map[string]interface{}
			raw, err := json.Marshal(msg["payload"])
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, &payload))
			assert.Equal(t, "invalid_subscription", payload["code"])
			break
		}
	})

	t.Run("forbidden origin", func(t *testing.T) {
		client := openSSE(t, gw, url.Values{"collection": {"articles"}},
			http.Header{"Origin": {"https://evil.example.org"}})
		assert.Equal(t, http.StatusForbidden, client.resp.StatusCode)
	})
}
