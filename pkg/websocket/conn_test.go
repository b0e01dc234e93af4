package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMessage struct {
	Value string `json:"value"`
}

func TestConn(t *testing.T) {
	t.Run("echo", func(t *testing.T) {
		upgrader := &websocket.Upgrader{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wsConn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)

			conn := New(wsConn)
			defer conn.Close()

			var m testMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			_ = conn.WriteJSON(m)
		}))
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, err := Dial(context.TODO(), url)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(&testMessage{Value: "foo"}))

		var m testMessage
		require.NoError(t, conn.ReadJSON(&m))
		assert.Equal(t, "foo", m.Value)

		// The server closes after echoing.
		err = conn.ReadJSON(&m)
		assert.True(t, IsClosed(err))
	})

	t.Run("close with reason", func(t *testing.T) {
		upgrader := &websocket.Upgrader{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wsConn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)

			_ = New(wsConn).CloseWithReason("done")
		}))
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, err := Dial(context.TODO(), url)
		require.NoError(t, err)
		defer conn.Close()

		err = conn.Discard()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
		assert.Equal(t, "done", closeErr.Text)
	})

	t.Run("unexpected message type", func(t *testing.T) {
		upgrader := &websocket.Upgrader{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wsConn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)
			defer wsConn.Close()

			_ = wsConn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
			_, _, _ = wsConn.ReadMessage()
		}))
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, err := Dial(context.TODO(), url)
		require.NoError(t, err)
		defer conn.Close()

		var m testMessage
		assert.ErrorContains(t, conn.ReadJSON(&m), "unexpected message type")
	})

	t.Run("dial not found", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		_, err := Dial(context.TODO(), url)
		require.Error(t, err)
		assert.False(t, IsRetryable(err))
	})

	t.Run("dial unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		_, err := Dial(context.TODO(), url)
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
	})
}
