package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"proctorguard/internal/config"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "proctorguard:report:s-1", ReportKey("s-1"))
	assert.Equal(t, "proctorguard:user:alice:reports", UserReportsKey("alice"))
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisCache(ctx, config.CacheConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
