package jobs

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"farmtel/internal/models"
)

// RelatedSensorsResult is the related_sensors_v1 result payload.
type RelatedSensorsResult struct {
	SensorID          string          `json:"sensor_id"`
	Candidates        []RelatedSensor `json:"candidates"`
	ComputedThroughTS string          `json:"computed_through_ts"`
}

// RelatedSensor is one candidate ranked by cosine similarity.
type RelatedSensor struct {
	SensorID   string  `json:"sensor_id"`
	Similarity float64 `json:"similarity"`
}

// RelatedSensorsV1 builds embeddings for sensor_id plus every
// candidate_sensor_id (reusing embeddings_build_v1's feature vector) and
// ranks candidates by cosine similarity to sensor_id.
func RelatedSensorsV1(lakeQuerier LakeQuerier) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		sensorID := paramString(job.Params, "sensor_id", "")
		if sensorID == "" {
			return nil, fmt.Errorf("related_sensors_v1 requires a non-empty sensor_id")
		}
		candidates := paramStringSlice(job.Params, "candidate_sensor_ids")
		if len(candidates) == 0 {
			return nil, fmt.Errorf("related_sensors_v1 requires at least 1 candidate_sensor_id")
		}
		topK := paramInt(job.Params, "top_k", 5, 1, 50)
		intervalSeconds := paramInt(job.Params, "interval_seconds", 300, 1, 86400)

		now := time.Now().UTC()
		start := paramTime(job.Params, "start", now.AddDate(0, 0, -30))
		end := paramTime(job.Params, "end", now)
		if !end.After(start) {
			return nil, fmt.Errorf("related_sensors_v1: end must be after start")
		}

		all := append([]string{sensorID}, candidates...)
		embeddings, err := BuildEmbeddings(ctx, rc, lakeQuerier, all, start, end.Add(time.Microsecond), intervalSeconds)
		if err != nil {
			return nil, err
		}

		target, ok := embeddings[sensorID]
		if !ok {
			return nil, fmt.Errorf("no embedding computed for %s", sensorID)
		}

		var scored []RelatedSensor
		for _, candidateID := range candidates {
			vec, ok := embeddings[candidateID]
			if !ok {
				continue
			}
			scored = append(scored, RelatedSensor{SensorID: candidateID, Similarity: cosineSimilarity(target, vec)})
		}
		sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
		if len(scored) > topK {
			scored = scored[:topK]
		}

		return structToMap(RelatedSensorsResult{
			SensorID:          sensorID,
			Candidates:        scored,
			ComputedThroughTS: now.Format(time.RFC3339),
		}), nil
	}
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
