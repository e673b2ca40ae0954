package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckHealth(t *testing.T) {
	checkers := map[string]Checker{
		"fail": CheckerFunc(func() error { return errors.New("fail") }),
		"pass": Nop(),
	}

	results, healthy := CheckHealth(log.NewNopLogger(), checkers)
	require.False(t, healthy)
	assert.Equal(t, map[string]string{"fail": "failing", "pass": "ok"}, results)

	results, healthy = CheckHealth(log.NewNopLogger(), map[string]Checker{"pass": Nop()})
	require.True(t, healthy)
	assert.Equal(t, map[string]string{"pass": "ok"}, results)
}

func TestHealthzHandler(t *testing.T) {
	logger := log.NewNopLogger()
	h := Handler(logger, map[string]Checker{
		"mysql":            Nop(),
		"device_authority": CheckerFunc(func() error { return errors.New("no valid device authority") }),
	})

	cases := []struct {
		desc       string
		target     string
		wantStatus int
		wantBody   map[string]string
	}{
		{"all checks", "/healthz", http.StatusServiceUnavailable, map[string]string{"mysql": "ok", "device_authority": "failing"}},
		{"passing check", "/healthz?check=mysql", http.StatusOK, map[string]string{"mysql": "ok"}},
		{"failing check", "/healthz?check=device_authority", http.StatusServiceUnavailable, map[string]string{"device_authority": "failing"}},
		{"unknown check", "/healthz?check=redis", http.StatusBadRequest, nil},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.target, nil))
			assert.Equal(t, c.wantStatus, rec.Code)

			if c.wantBody != nil {
				var got map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
				assert.Equal(t, c.wantBody, got)
			}
		})
	}
}
