package cache

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

func JobStatusKey(handle models.JobHandle) string {
	return fmt.Sprintf("job:%s", handle)
}

func PollCountKey(runID uuid.UUID, kind models.JobKind) string {
	return fmt.Sprintf("polls:%s:%s", runID, kind)
}

func RunReportKey(runID uuid.UUID) string {
	return fmt.Sprintf("run:%s:report", runID)
}
