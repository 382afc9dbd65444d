package sqlite

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/venalis/ember"
)

// serializeEmbedding packs a vector as comma-separated decimals. Human
// readable in the sqlite shell and cheap enough for the brute-force scan.
func serializeEmbedding(vec []float32) string {
	var b strings.Builder
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	return b.String()
}

func deserializeEmbedding(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, err
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

// cosineSimilarity maps the raw cosine from [-1, 1] into [0, 1] so vector
// scores compose with the other retrieval signals. Mismatched or zero
// vectors score 0.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return float32((cos + 1) / 2)
}

func marshalToolCalls(calls []ember.ToolCall) (string, error) {
	data, err := json.Marshal(calls)
	return string(data), err
}

func unmarshalToolCalls(s string, dst *[]ember.ToolCall) error {
	return json.Unmarshal([]byte(s), dst)
}
