package jobs

// JobType constants name every §4.G job type this runner registers.
const (
	JobTypeNoop                = "noop_v1"
	JobTypeLakeBackfill        = "lake_backfill_v1"
	JobTypeLakeParityCheck     = "lake_parity_check_v1"
	JobTypeLakeReplicationTick = "lake_replication_tick_v1"
	JobTypeMatrixProfile       = "matrix_profile_v1"
	JobTypeCorrelationMatrix   = "correlation_matrix_v1"
	JobTypeEventMatch          = "event_match_v1"
	JobTypeCooccurrence        = "cooccurrence_v1"
	JobTypeEmbeddingsBuild     = "embeddings_build_v1"
	JobTypeRelatedSensors      = "related_sensors_v1"
	JobTypeForecastMaterialize = "forecast_materialize_v1"
)

// BuildRegistry wires every job type's executor against its dependencies,
// for NewRunner.
func BuildRegistry(engine ReplicationEngine, rowCounter RowCounter, lakeQuerier LakeQuerier) map[string]JobFunc {
	return map[string]JobFunc{
		JobTypeNoop:                NoopV1,
		JobTypeLakeBackfill:        LakeBackfillV1(engine),
		JobTypeLakeParityCheck:     LakeParityCheckV1(rowCounter, lakeQuerier),
		JobTypeLakeReplicationTick: LakeReplicationTickV1(engine),
		JobTypeMatrixProfile:       MatrixProfileV1(lakeQuerier),
		JobTypeCorrelationMatrix:   CorrelationMatrixV1(lakeQuerier),
		JobTypeEventMatch:          EventMatchV1(lakeQuerier),
		JobTypeCooccurrence:        CooccurrenceV1(lakeQuerier),
		JobTypeEmbeddingsBuild:     EmbeddingsBuildV1(lakeQuerier),
		JobTypeRelatedSensors:      RelatedSensorsV1(lakeQuerier),
		JobTypeForecastMaterialize: ForecastMaterializeV1(lakeQuerier),
	}
}
