package resource

import "testing"

func TestFindBestMatchingVirtualHost(t *testing.T) {
	tests := []struct {
		name      string
		vhosts    []VirtualHost
		authority string
		want      int // index into vhosts, or -1 for nil
	}{
		{
			name: "exact beats suffix",
			vhosts: []VirtualHost{
				{Domains: []string{"*.foo.com"}},
				{Domains: []string{"x.foo.com"}},
			},
			authority: "x.foo.com",
			want:      1,
		},
		{
			name: "longest suffix wins tie break",
			vhosts: []VirtualHost{
				{Domains: []string{"*.foo.com"}},
				{Domains: []string{"*.bar.foo.com"}},
			},
			authority: "x.bar.foo.com",
			want:      1,
		},
		{
			name: "prefix match",
			vhosts: []VirtualHost{
				{Domains: []string{"foo.*"}},
			},
			authority: "foo.bar.com",
			want:      0,
		},
		{
			name: "universe is the fallback",
			vhosts: []VirtualHost{
				{Domains: []string{"*"}},
				{Domains: []string{"other.com"}},
			},
			authority: "nomatch.com",
			want:      0,
		},
		{
			name: "invalid pattern never matches",
			vhosts: []VirtualHost{
				{Domains: []string{"*.foo.*"}},
			},
			authority: "x.foo.com",
			want:      -1,
		},
		{
			name: "empty pattern never matches",
			vhosts: []VirtualHost{
				{Domains: []string{""}},
			},
			authority: "anything",
			want:      -1,
		},
		{
			name:      "no vhosts",
			vhosts:    nil,
			authority: "anything",
			want:      -1,
		},
		{
			name: "first appearance wins equal class and length",
			vhosts: []VirtualHost{
				{Domains: []string{"*.foo.com"}},
				{Domains: []string{"*.foo.com"}},
			},
			authority: "x.foo.com",
			want:      0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindBestMatchingVirtualHost(tt.authority, tt.vhosts)
			if tt.want == -1 {
				if got != nil {
					t.Fatalf("got %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("got nil, want vhosts[%d]", tt.want)
			}
			if got != &tt.vhosts[tt.want] {
				t.Fatalf("got %+v, want vhosts[%d] = %+v", got, tt.want, tt.vhosts[tt.want])
			}
		})
	}
}
