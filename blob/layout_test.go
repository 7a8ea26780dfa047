package blob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLayoutPaths(t *testing.T) {
	l := DefaultLayout()
	day := time.Date(2024, 1, 5, 1, 0, 0, 0, time.FixedZone("UTC+2", 2*3600))

	assert.Equal(t, "staging/job-0000000042", l.JobStaging(42))
	assert.Equal(t, "result/Patient/job-0000000042", l.JobResult("Patient", 42))
	assert.Equal(t, "staging/job-0000000042/2024/01/04/Patient_00003.parquet", l.PartPath(42, day, "Patient", 3),
		"days are bucketed in UTC")
}

func TestParsePartID(t *testing.T) {
	id, ok := ParsePartID("staging/job-0000000042/2024/01/05/Patient_00003.parquet", "Patient")
	assert.True(t, ok)
	assert.Equal(t, 3, id)

	_, ok = ParsePartID("staging/job-0000000042/2024/01/05/Observation_00003.parquet", "Patient")
	assert.False(t, ok)
	_, ok = ParsePartID("staging/job-0000000042/2024/01/05/Patient_00003.json", "Patient")
	assert.False(t, ok)
	_, ok = ParsePartID("staging/job-0000000042/2024/01/05/Patient_x.parquet", "Patient")
	assert.False(t, ok)
}
