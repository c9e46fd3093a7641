package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caselink/caselink/pkg/apperr"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantCode apperr.Code
		want     string
	}{
		{name: "plain text passes", content: "hello there", want: "hello there"},
		{name: "surrounding whitespace is trimmed", content: "  hi  ", want: "hi"},
		{name: "empty is rejected", content: "", wantCode: apperr.CodeValidation},
		{name: "whitespace only is rejected", content: "   \n\t ", wantCode: apperr.CodeValidation},
		{name: "http link is rejected", content: "call me at http://example.com/x", wantCode: apperr.CodeValidation},
		{name: "https link is rejected", content: "see HTTPS://EXAMPLE.COM", wantCode: apperr.CodeValidation},
		{name: "bare domain passes", content: "ask about example.com later", want: "ask about example.com later"},
		{name: "too long is rejected", content: strings.Repeat("a", 4001), wantCode: apperr.CodeValidation},
		{name: "exactly max length passes", content: strings.Repeat("a", 4000), want: strings.Repeat("a", 4000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateContent(tt.content, 4000)
			if tt.wantCode != "" {
				require.Equal(t, tt.wantCode, apperr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestValidateContentCountsRunesNotBytes(t *testing.T) {
	// 10 multi-byte runes against a limit of 10 must pass.
	content := strings.Repeat("é", 10)
	got, err := ValidateContent(content, 10)
	require.NoError(t, err)
	require.Equal(t, content, got)

	_, err = ValidateContent(strings.Repeat("é", 11), 10)
	require.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestValidateAttachmentType(t *testing.T) {
	allowed := []string{"image/png", "application/pdf"}

	require.NoError(t, ValidateAttachmentType("image/png", allowed))
	require.NoError(t, ValidateAttachmentType("IMAGE/PNG", allowed))

	err := ValidateAttachmentType("application/x-msdownload", allowed)
	require.Equal(t, apperr.CodeUnsupportedMedia, apperr.CodeOf(err))
}

func TestBuildAttachmentKey(t *testing.T) {
	key := BuildAttachmentKey("conv-1", "Contract Draft.PDF")
	require.True(t, strings.HasPrefix(key, "chat_attachments/conv-1/"))
	require.True(t, strings.HasSuffix(key, ".pdf"))
	require.NotContains(t, key, "Contract")

	// Keys are unique per upload.
	require.NotEqual(t, key, BuildAttachmentKey("conv-1", "Contract Draft.PDF"))
}
