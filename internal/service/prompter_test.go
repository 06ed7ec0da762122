package service

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPrompterAnswers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes", "y\n", true},
		{"yes word", "YES\n", true},
		{"no", "n\n", false},
		{"empty line", "\n", false},
		{"eof", "", false},
		{"retry then yes", "maybe\ny\n", true},
		{"eof without newline", "y", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewLocalPrompter(strings.NewReader(tt.input), &out)
			got, err := p.Confirm(context.Background(), "newsletter", "hello", 400)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalPrompterPreview(t *testing.T) {
	var out bytes.Buffer
	p := NewLocalPrompter(strings.NewReader("maybe\nn\n"), &out)
	_, err := p.Confirm(context.Background(), "blog", "abcdefghij", 4)
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "====== BLOG PREVIEW (4 chars) ======\nabcd...\n")
	assert.Contains(t, s, "Approve blog? [y/N]: ")
	assert.Contains(t, s, "Please respond with 'y' or 'n'.")
}

func TestLocalPrompterCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewLocalPrompter(strings.NewReader("y\n"), &bytes.Buffer{})
	_, err := p.Confirm(ctx, "blog", "x", 10)
	assert.ErrorIs(t, err, context.Canceled)
}
