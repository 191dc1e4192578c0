//go:build integration

package checks_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"vetting/internal/verification/checks"
	id "vetting/pkg/domain"
	"vetting/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *checks.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.cache = checks.NewRedisCache(s.redis.Client, time.Minute)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestMissThenHit() {
	ctx := context.Background()
	key := checks.RequestID(id.NewRecordID(), 1, checks.CheckCriminalRecord, "52998224725")

	_, err := s.cache.Get(ctx, key)
	s.ErrorIs(err, checks.ErrCacheMiss)

	s.Require().NoError(s.cache.Set(ctx, key, []byte(`{"status":"clear"}`)))
	raw, err := s.cache.Get(ctx, key)
	s.Require().NoError(err)
	s.JSONEq(`{"status":"clear"}`, string(raw))

	ttl, err := s.redis.Client.TTL(ctx, "vetting:check:"+key).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
}

func (s *RedisCacheSuite) TestDeduplicatesAcrossInstances() {
	ctx := context.Background()
	counting := &countingCriminal{}
	first := checks.Deduplicate(checks.Set{CriminalRecord: counting}, s.cache, nil)
	second := checks.Deduplicate(checks.Set{CriminalRecord: counting}, checks.NewRedisCache(s.redis.Client, time.Minute), nil)

	req := checks.CriminalRecordRequest{RecordID: id.NewRecordID(), NationalID: "52998224725"}
	_, err := first.CriminalRecord.Lookup(ctx, req)
	s.Require().NoError(err)
	_, err = second.CriminalRecord.Lookup(ctx, req)
	s.Require().NoError(err)
	s.Equal(1, counting.calls)
}

type countingCriminal struct{ calls int }

func (c *countingCriminal) Lookup(context.Context, checks.CriminalRecordRequest) (checks.CriminalRecordResult, error) {
	c.calls++
	return checks.CriminalRecordResult{Status: "clear", Source: "test"}, nil
}
