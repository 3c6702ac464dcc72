package cache

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/simcamp/pkg/models"
)

func SummaryKey(campaign string, stage models.Stage) string {
	return fmt.Sprintf("simcamp:summary:%s:%s", campaign, strings.ToLower(string(stage)))
}

func LeaseKey(campaign string) string {
	return fmt.Sprintf("simcamp:lease:%s", campaign)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("simcamp:ratelimit:%s", keyPrefix)
}
