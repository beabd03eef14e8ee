package reconcile_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedd-an/action-patchwork-to-pr/internal/reconcile"
)

func TestCommitBody(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name: "two body lines, diffstat excluded",
			input: "From 1 Mon Sep 17 00:00:00 2001\n" +
				"Subject: [PATCH] fix\n" +
				"\n" +
				"First body line.\n" +
				"Second body line.\n" +
				"---\n" +
				" file.c | 2 +-\n" +
				" 1 file changed\n",
			want: "First body line.\nSecond body line.",
		},
		{
			name: "triple dash mid-line does not terminate",
			input: "Subject: x\n" +
				"\n" +
				"See the --- marker discussion.\n" +
				"---\n" +
				" diffstat\n",
			want: "See the --- marker discussion.",
		},
		{
			name: "indented diffstat delimiter terminates",
			input: "Subject: x\n" +
				"\n" +
				"Body.\n" +
				"  ---\n" +
				"not included\n",
			want: "Body.",
		},
		{
			name:  "no blank line means no body",
			input: "Subject: x\nAnother-Header: y\n",
			want:  "",
		},
		{
			name: "blank lines inside body preserved",
			input: "Subject: x\n" +
				"\n" +
				"Paragraph one.\n" +
				"\n" +
				"Paragraph two.\n" +
				"---\n",
			want: "Paragraph one.\n\nParagraph two.",
		},
		{
			name:  "empty input",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reconcile.CommitBody(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
