package waiter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCompletion(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		id      string
		wantErr bool
	}{
		{name: "id only", payload: `{"id":"abc"}`, id: "abc"},
		{name: "with result fields", payload: `{"id":"abc","result":{"score":1},"tags":["a"]}`, id: "abc"},
		{name: "not json", payload: `{"id":`, wantErr: true},
		{name: "array", payload: `["abc"]`, wantErr: true},
		{name: "string", payload: `"abc"`, wantErr: true},
		{name: "null", payload: `null`, wantErr: true},
		{name: "missing id", payload: `{"result":"done"}`, wantErr: true},
		{name: "numeric id", payload: `{"id":123}`, wantErr: true},
		{name: "null id", payload: `{"id":null}`, wantErr: true},
		{name: "empty id", payload: `{"id":""}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCompletion([]byte(tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.id, c.ID)
			require.Equal(t, tt.payload, string(c.Raw))
		})
	}
}
