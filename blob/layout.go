package blob

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Layout names the staging and result locations of job output.
//
//	{staging}/job-{id}/{yyyy}/{mm}/{dd}/{resourceType}_{partId}.parquet
//	{result}/{resourceType}/job-{id}/{yyyy}/{mm}/{dd}/{resourceType}_{partId}.parquet
type Layout struct {
	Staging string
	Result  string
}

// DefaultLayout uses the "staging" and "result" top level prefixes
func DefaultLayout() Layout {
	return Layout{Staging: "staging", Result: "result"}
}

func jobDir(id int64) string {
	return fmt.Sprintf("job-%010d", id)
}

// JobStaging is the write-ahead prefix of a job
func (l Layout) JobStaging(id int64) string {
	return path.Join(l.Staging, jobDir(id))
}

// JobResult is the committed prefix of a job
func (l Layout) JobResult(resourceType string, id int64) string {
	return path.Join(l.Result, resourceType, jobDir(id))
}

// PartPath is the staging path of one part, bucketed by calendar day
func (l Layout) PartPath(id int64, day time.Time, resourceType string, partID int) string {
	day = day.UTC()
	return path.Join(l.JobStaging(id),
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", int(day.Month())),
		fmt.Sprintf("%02d", day.Day()),
		fmt.Sprintf("%s_%05d.parquet", resourceType, partID))
}

// ParsePartID extracts the part id from a part path of resourceType
func ParsePartID(p, resourceType string) (int, bool) {
	name := strings.TrimSuffix(path.Base(p), ".parquet")
	rest, ok := strings.CutPrefix(name, resourceType+"_")
	if !ok || name == path.Base(p) {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}
