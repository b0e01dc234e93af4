package status

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorInfo(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		err := NewErrorInfo(http.StatusServiceUnavailable, "node closed")
		assert.Equal(t, "service unavailable (503): node closed", err.Error())

		err = NewErrorInfo(http.StatusNotFound, "")
		assert.Equal(t, "not found (404)", err.Error())
	})

	t.Run("json", func(t *testing.T) {
		b, err := json.Marshal(NewErrorInfo(http.StatusBadRequest, "missing timestamp"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"error": "missing timestamp"}`, string(b))
	})
}
