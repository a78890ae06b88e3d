package from

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestJSONResponse(t *testing.T) {
	t.Run("decodes into target", func(t *testing.T) {
		var target map[string]string
		err := JSONResponse(response(http.StatusOK, `{"status": "ok"}`), http.StatusOK, &target)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"status": "ok"}, target)
	})
	t.Run("unexpected status includes the body", func(t *testing.T) {
		err := JSONResponse(response(http.StatusBadGateway, "upstream broke"), http.StatusOK, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected response status 502")
		assert.Contains(t, err.Error(), "upstream broke")
	})
	t.Run("nil target skips decoding", func(t *testing.T) {
		assert.NoError(t, JSONResponse(response(http.StatusNoContent, ""), http.StatusNoContent, nil))
	})
	t.Run("invalid JSON", func(t *testing.T) {
		var target map[string]string
		assert.Error(t, JSONResponse(response(http.StatusOK, "{"), http.StatusOK, &target))
	})
}
