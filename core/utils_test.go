package core

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCleanString(t *testing.T) {
	tests := []struct {
		name  string
		s     string
		lower bool
		want  string
	}{
		{name: "trim", s: "  Jane Doe\t", want: "Jane Doe"},
		{name: "trim and lower", s: " Jane@Campus.TEST ", lower: true, want: "jane@campus.test"},
		{name: "empty", s: "   ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanString(tt.s, tt.lower); got != tt.want {
				t.Errorf("failed! CleanString() = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestIsIdentifier(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{s: "student_id", want: true},
		{s: "_private", want: true},
		{s: "Col2", want: true},
		{s: "2col"},
		{s: ""},
		{s: "total;drop"},
		{s: `"quoted"`},
		{s: "a-b"},
	}
	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			if got := IsIdentifier(tt.s); got != tt.want {
				t.Errorf("failed! IsIdentifier(%q) = %v; want %v", tt.s, got, tt.want)
			}
		})
	}
}

func TestOrderings(t *testing.T) {
	tests := []struct {
		s    string
		want []DBOrdering
		fmt  string
	}{
		{s: "", want: nil, fmt: ""},
		{s: "name", want: []DBOrdering{{Field: "name", Ascending: true}}, fmt: "name"},
		{s: "-created_at, name,", want: []DBOrdering{{Field: "created_at"}, {Field: "name", Ascending: true}}, fmt: "-created_at,name"},
	}
	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			got := ParseOrderings(tt.s)
			assert.Equal(t, tt.want, got)
			if s := FormatOrderings(got); s != tt.fmt {
				t.Errorf("failed! FormatOrderings() = %q; want %q", s, tt.fmt)
			}
		})
	}
}

type wrapper struct{ err error }

func (w wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w wrapper) Unwrap() error { return w.err }

func TestIsShutdown(t *testing.T) {
	shutdown := NewShutdownError("database is gone")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil},
		{name: "plain", err: errors.New("boom")},
		{name: "shutdown", err: shutdown, want: true},
		{name: "wrapped", err: errors.Wrap(shutdown, "querying"), want: true},
		{name: "unwrapped", err: wrapper{err: shutdown}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsShutdown(tt.err); got != tt.want {
				t.Errorf("failed! IsShutdown() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestValidationError_FieldMap(t *testing.T) {
	err := NewValidationError(errors.New("invalid"), FieldError{Field: "email", Error: "taken"})
	var vErr *ValidationError
	if assert.True(t, errors.As(err, &vErr)) {
		assert.Equal(t, map[string]string{"email": "taken"}, vErr.FieldMap())
	}
	assert.Nil(t, (&ValidationError{}).FieldMap())
	assert.Equal(t, "validation failed", (&ValidationError{}).Error())
}
