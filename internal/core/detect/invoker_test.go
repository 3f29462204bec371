package detect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/remote"
)

// regexAnalyzer reports every match of a pattern, in character offsets.
type regexAnalyzer struct {
	re    *regexp.Regexp
	label string
	calls []string
}

func (a *regexAnalyzer) Analyze(_ context.Context, text string) ([]RawEntity, error) {
	a.calls = append(a.calls, text)
	var out []RawEntity
	for _, loc := range a.re.FindAllStringIndex(text, -1) {
		out = append(out, RawEntity{
			EntityType: a.label,
			Start:      len([]rune(text[:loc[0]])),
			End:        len([]rune(text[:loc[1]])),
			Score:      0.9,
		})
	}
	return out, nil
}

type analyzerFunc func(ctx context.Context, text string) ([]RawEntity, error)

func (f analyzerFunc) Analyze(ctx context.Context, text string) ([]RawEntity, error) {
	return f(ctx, text)
}

func TestChunks(t *testing.T) {
	assert.Equal(t, []Chunk{{0, 5}}, Chunks(5, 10, 2))
	assert.Equal(t, []Chunk{{0, 10}, {8, 18}, {16, 20}}, Chunks(20, 10, 2))
	assert.Equal(t, []Chunk{{0, 10}, {10, 20}}, Chunks(20, 10, 0))
}

func TestDetectSingleCall(t *testing.T) {
	a := &regexAnalyzer{re: regexp.MustCompile(`[a-z]+@[a-z]+\.com`), label: "email_address"}
	inv := NewInvoker(a, Options{MaxChunkChars: 1000, ChunkOverlap: 50, ContextWindow: 5}, nil)

	text := "Contact: jane@example.com, phone 555-123-4567"
	findings, err := inv.Detect(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, a.calls, 1)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, constants.EmailAddress, f.EntityType)
	assert.Equal(t, 9, f.Start)
	assert.Equal(t, 25, f.End)
	assert.Equal(t, "jane@example.com", f.Text)
	assert.Equal(t, "act: jane@example.com, pho", f.Context)
}

func TestDetectChunkedReoffsetsAndDedupes(t *testing.T) {
	a := &regexAnalyzer{re: regexp.MustCompile(`\d{3}-\d{4}`), label: "PHONE_NUMBER"}
	inv := NewInvoker(a, Options{MaxChunkChars: 30, ChunkOverlap: 12, ContextWindow: 0}, nil)

	// Numbers sit across the chunk edges at 30 and 48.
	text := strings.Repeat("x", 25) + "555-0101" + strings.Repeat("y", 12) + "555-0202" + strings.Repeat("é", 30)
	findings, err := inv.Detect(context.Background(), text)
	require.NoError(t, err)
	require.Greater(t, len(a.calls), 1)

	require.Len(t, findings, 2)
	runes := []rune(text)
	for _, f := range findings {
		assert.Equal(t, f.Text, string(runes[f.Start:f.End]))
	}
	assert.Equal(t, 25, findings[0].Start)
	assert.Equal(t, "555-0101", findings[0].Text)
	assert.Equal(t, "555-0202", findings[1].Text)
}

func TestDetectWrapsServiceErrors(t *testing.T) {
	inv := NewInvoker(analyzerFunc(func(context.Context, string) ([]RawEntity, error) {
		return nil, errors.New("connection reset")
	}), Options{}, nil)

	_, err := inv.Detect(context.Background(), "some text")
	require.Error(t, err)
	assert.True(t, common.HasCode(err, common.CodeDetectionService))
	assert.True(t, common.IsTransient(err))
}

func TestDetectDropsOutOfRangeSpans(t *testing.T) {
	inv := NewInvoker(analyzerFunc(func(context.Context, string) ([]RawEntity, error) {
		return []RawEntity{{EntityType: "PERSON", Start: 2, End: 99, Score: 0.9}, {EntityType: "PERSON", Start: 0, End: 3, Score: 0.8}}, nil
	}), Options{}, nil)

	findings, err := inv.Detect(context.Background(), "Bob is here")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "Bob", findings[0].Text)
}

func TestServiceAnalyzer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode([]RawEntity{{EntityType: "PERSON", Start: 0, End: len(body["text"]), Score: 0.77}})
	}))
	defer srv.Close()

	a := NewServiceAnalyzer(remote.New("detection", common.ServiceEndpoint{URL: srv.URL, Timeout: time.Second}, nil))
	out, err := a.Analyze(context.Background(), "Ann")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].End)
	assert.InDelta(t, 0.77, out[0].Score, 1e-9)
}

// runAnalyzer reports runs of X. With minLen set it only reports runs of at
// least that length, i.e. only needles a chunk holds whole.
func runAnalyzer(minLen int) analyzerFunc {
	re := regexp.MustCompile(`X+`)
	return func(_ context.Context, text string) ([]RawEntity, error) {
		var out []RawEntity
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if loc[1]-loc[0] < minLen {
				continue
			}
			out = append(out, RawEntity{EntityType: "US_SSN", Start: loc[0], End: loc[1], Score: 0.9})
		}
		return out, nil
	}
}

func TestDetectKeepsSpansAtChunkEdges(t *testing.T) {
	// 210 chars, chunks [0,100) [80,180) [160,210).
	needleText := func(start, end int) string {
		return strings.Repeat(".", start) + strings.Repeat("X", end-start) + strings.Repeat(".", 210-end)
	}
	cases := []struct {
		name       string
		start, end int
		whole      bool
	}{
		{"span equal to the overlap window", 80, 100, true},
		{"span longer than the overlap from a chunk start", 80, 130, true},
		{"truncated copy beside the whole span", 80, 130, false},
		{"span crossing the overlap", 90, 170, false},
		{"span ending on the last interior edge", 140, 180, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			minLen := 1
			if tc.whole {
				minLen = tc.end - tc.start
			}
			inv := NewInvoker(runAnalyzer(minLen), Options{MaxChunkChars: 100, ChunkOverlap: 20}, nil)
			require.Equal(t, []Chunk{{0, 100}, {80, 180}, {160, 210}}, Chunks(210, 100, 20))

			findings, err := inv.Detect(context.Background(), needleText(tc.start, tc.end))
			require.NoError(t, err)
			require.Len(t, findings, 1)
			assert.Equal(t, tc.start, findings[0].Start)
			assert.Equal(t, tc.end, findings[0].End)
		})
	}
}
