package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "pypi package",
			key:  Key{Source: "osv", Unit: "PyPI:requests@2.31.0"},
			want: "vulnscan:lookup:osv:PyPI:requests@2.31.0",
		},
		{
			name: "scoped npm package",
			key:  Key{Source: "github-advisory", Unit: "npm:@babel/core@7.22.0"},
			want: "vulnscan:lookup:github-advisory:npm:@babel/core@7.22.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_DistinctPerSource(t *testing.T) {
	a := Key{Source: "osv", Unit: "PyPI:x@1"}
	b := Key{Source: "nvd", Unit: "PyPI:x@1"}

	if a.String() == b.String() {
		t.Error("keys of different sources must not collide")
	}
}
