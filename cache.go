package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/garyburd/redigo/redis"
	log "github.com/sirupsen/logrus"

	"github.com/mithun50/silkynet/datastructures"
)

// resultCache stores segmentation responses in Redis, keyed by the
// sha256 of the uploaded image bytes. The same photo uploaded twice
// skips the forward pass entirely.
type resultCache struct {
	pool *redis.Pool
	ttl  int
}

func newResultCache(redisAddress string, maxConnections int) *resultCache {
	pool := redis.NewPool(func() (redis.Conn, error) {
		c, err := redis.Dial("tcp", redisAddress)

		if err != nil {
			return nil, err
		}

		return c, err
	}, maxConnections)

	return &resultCache{pool: pool, ttl: 3600}
}

func cacheKey(imageData []byte) string {
	h := sha256.Sum256(imageData)
	return "segment" + hex.EncodeToString(h[:])
}

func (c *resultCache) get(imageData []byte) (*datastructures.SegmentResponse, bool) {
	conn := c.pool.Get()
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", cacheKey(imageData)))
	if err != nil { //cache miss or Redis unavailable; either way we just recompute
		return nil, false
	}

	var response datastructures.SegmentResponse
	err = json.Unmarshal(data, &response)
	if err != nil {
		log.Debug("[Cache] Couldn't unmarshal cached result: ", err.Error())
		return nil, false
	}

	return &response, true
}

func (c *resultCache) set(imageData []byte, response *datastructures.SegmentResponse) {
	serialized, err := json.Marshal(response)
	if err != nil {
		log.Debug("[Cache] Couldn't marshal result: ", err.Error())
		return
	}

	conn := c.pool.Get()
	defer conn.Close()

	//store result with an expiration time of 1hr...it doesn't make sense to store it longer
	//than that.
	_, err = conn.Do("SETEX", cacheKey(imageData), c.ttl, serialized)
	if err != nil {
		log.Debug("[Cache] Couldn't store result: ", err.Error())
	}
}

func (c *resultCache) close() {
	c.pool.Close()
}
