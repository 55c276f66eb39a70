package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragserver/internal/domain"
)

func TestNew_RejectsDegenerateParameters(t *testing.T) {
	cases := []struct {
		name    string
		size    int
		overlap int
	}{
		{"zero size", 0, 0},
		{"negative size", -5, 0},
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 150},
		{"negative overlap", 100, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.size, tc.overlap)
			require.Error(t, err)
		})
	}
}

func TestSplit_CoversFullDocument(t *testing.T) {
	text := strings.Repeat("abcdefghij", 37) // 370 chars, not a multiple of any window below
	cases := []struct {
		size    int
		overlap int
	}{
		{100, 0},
		{100, 20},
		{50, 49},
		{500, 50},
		{1, 0},
	}
	for _, tc := range cases {
		ck, err := New(tc.size, tc.overlap)
		require.NoError(t, err)
		chunks := ck.Split("doc.txt", text)
		require.NotEmpty(t, chunks)

		assert.Equal(t, 0, chunks[0].Start)
		assert.Equal(t, len(text), chunks[len(chunks)-1].End)
		for i, c := range chunks {
			assert.LessOrEqual(t, c.End-c.Start, tc.size)
			assert.Equal(t, i, c.Index)
			assert.Equal(t, text[c.Start:c.End], c.Text)
			if i > 0 {
				prev := chunks[i-1]
				// No gap: each window starts inside or at the end of the
				// previous one, offset by exactly the step.
				assert.Equal(t, prev.Start+tc.size-tc.overlap, c.Start)
				assert.LessOrEqual(t, c.Start, prev.End)
			}
		}
	}
}

func TestSplit_ShortDocumentSingleChunk(t *testing.T) {
	ck, err := New(500, 50)
	require.NoError(t, err)
	chunks := ck.Split("doc.txt", "short text")
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0].Text)
	assert.Equal(t, domain.ChunkText, chunks[0].Kind)
}

func TestSplit_EmptyInput(t *testing.T) {
	ck, err := New(100, 10)
	require.NoError(t, err)
	assert.Empty(t, ck.Split("doc.txt", ""))
	assert.Empty(t, ck.Split("doc.txt", "   \n\t  "))
}

func TestQAChunk_NeverSplit(t *testing.T) {
	question := strings.Repeat("why? ", 300)
	answer := strings.Repeat("because. ", 300)
	c := QAChunk("faq.jsonl", 3, question, answer)

	assert.Equal(t, domain.ChunkQA, c.Kind)
	assert.Equal(t, 3, c.Index)
	assert.Equal(t, question, c.Question)
	assert.Contains(t, c.Text, "Question: "+question)
	assert.Contains(t, c.Text, "Answer: "+answer)
}
