package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewReference builds PREFIX-<unix millis>-<12 hex chars>.
func NewReference(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), suffix)
}
