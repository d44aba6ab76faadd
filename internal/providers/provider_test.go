package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountRecords(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "data array", body: `{"count":7,"data":[{},{},{}]}`, want: 3},
		{name: "empty data", body: `{"count":0,"data":[]}`, want: 0},
		{name: "count only", body: `{"count":12}`, want: 12},
		{name: "provider error", body: `{"error":"invalid reporter"}`, wantErr: true},
		{name: "no data", body: `{}`, wantErr: true},
		{name: "not json", body: `<html>`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CountRecords([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
