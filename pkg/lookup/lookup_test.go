package lookup

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePackage(t *testing.T) {
	tests := []struct {
		in      string
		want    Package
		wantErr bool
	}{
		{in: "PyPI:requests@2.31.0", want: Package{"PyPI", "requests", "2.31.0"}},
		{in: "npm:@babel/core@7.22.0", want: Package{"npm", "@babel/core", "7.22.0"}},
		{in: "Go:github.com/foo/bar@v1.2.3", want: Package{"Go", "github.com/foo/bar", "v1.2.3"}},
		{in: "requests@2.31.0", wantErr: true},
		{in: ":requests@2.31.0", wantErr: true},
		{in: "PyPI:requests", wantErr: true},
		{in: "PyPI:requests@", wantErr: true},
		{in: "npm:@scope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePackage(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidUnit)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transient", err: NewTransient("osv", "u", base), want: true},
		{name: "wrapped transient", err: fmt.Errorf("call: %w", NewTransient("osv", "u", base)), want: true},
		{name: "permanent", err: NewPermanent("osv", "u", base), want: false},
		{name: "unclassified", err: base, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("x: %w", context.DeadlineExceeded), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("status 404")
	err := NewPermanent("osv", "PyPI:x@1", base)

	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "permanent")
	assert.Contains(t, err.Error(), "PyPI:x@1")
}
