package dispatch

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeShapes(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{"success", Success(map[string]any{"id": 1}), `{"success":true,"result":{"id":1}}`},
		{"nil result", Success(nil), `{"success":true,"result":null}`},
		{"failure", Failure(KindHandler, "boom"), `{"success":false,"error":"boom"}`},
		{"empty message", Failure(KindHandler, ""), `{"success":false,"error":"unknown error"}`},
		{"zero value", Envelope{}, `{"success":false,"error":"unknown error"}`},
		{"unencodable", Success(make(chan int)), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.env)
			require.NoError(t, err)

			var generic map[string]any
			require.NoError(t, json.Unmarshal(data, &generic))
			assert.Len(t, generic, 2)
			if tt.want != "" {
				assert.JSONEq(t, tt.want, string(data))
			} else {
				assert.Equal(t, false, generic["success"])
				assert.NotEmpty(t, generic["error"])
			}
		})
	}
}

func TestFailureDefaults(t *testing.T) {
	env := Failure(KindNone, "x")
	assert.Equal(t, KindInternal, env.Kind)
	assert.Equal(t, http.StatusInternalServerError, env.HTTPStatus())
}
