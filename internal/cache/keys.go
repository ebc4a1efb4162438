package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func AnalysisStatusKey(analysisID uuid.UUID) string {
	return fmt.Sprintf("analysis:status:%s", analysisID)
}

func ModelVersionKey() string {
	return "ai:model_version"
}
