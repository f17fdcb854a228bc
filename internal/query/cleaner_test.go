package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		drop map[string]struct{}
		want string
	}{
		{
			name: "no query string returns path unchanged",
			path: "/widgets",
			drop: map[string]struct{}{"api_key": {}},
			want: "/widgets",
		},
		{
			name: "empty drop set returns path unchanged",
			path: "/widgets?api_key=abc",
			drop: nil,
			want: "/widgets?api_key=abc",
		},
		{
			name: "drops matching param, keeps others in order",
			path: "/widgets?api_key=abc&page=2&sort=asc",
			drop: map[string]struct{}{"api_key": {}},
			want: "/widgets?page=2&sort=asc",
		},
		{
			name: "dropping every param leaves bare path",
			path: "/widgets?api_key=abc",
			drop: map[string]struct{}{"api_key": {}},
			want: "/widgets",
		},
		{
			name: "preserves original percent-encoding of kept params",
			path: "/widgets?q=a%20b&api_key=abc",
			drop: map[string]struct{}{"api_key": {}},
			want: "/widgets?q=a%20b",
		},
		{
			name: "matches decoded param name",
			path: "/widgets?api%5Fkey=abc&page=2",
			drop: map[string]struct{}{"api_key": {}},
			want: "/widgets?page=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Clean(tt.path, tt.drop))
		})
	}
}
