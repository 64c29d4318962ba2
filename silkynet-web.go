package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	raven "github.com/getsentry/raven-go"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/mithun50/silkynet/datastructures"
)

const maxUploadBytes = 16 * 1024 * 1024 // 16MB max file size

func main() {
	log.SetLevel(log.DebugLevel)

	//load .env file (flags below fall back to the environment)
	_ = godotenv.Load()

	releaseMode := flag.Bool("release", false, "Run in release mode")
	listenAddress := flag.String("listen-address", ":"+envOrDefault("PORT", "8080"), "Address the API listens on")
	modelDir := flag.String("model-dir", envOrDefault("MODEL_DIR", "./model/"), "Location of graph.pb and model_info.json")
	staticDir := flag.String("static-dir", envOrDefault("STATIC_DIR", "./static"), "Location of the web interface")
	redisAddress := flag.String("redis-address", envOrDefault("REDIS_ADDRESS", ""), "Address to the Redis server (empty disables the result cache)")
	redisMaxConnections := flag.Int("redis-max-connections", 10, "Max connections to Redis")
	maxWorkers := flag.Int("max-workers", 2, "The number of segmentation workers to start")
	maxWorkerQueueSize := flag.Int("max-worker-queue-size", 100, "The size of job queue")

	flag.Parse()
	if *releaseMode {
		fmt.Printf("[Main] Starting gin in release mode!\n")
		gin.SetMode(gin.ReleaseMode)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := raven.SetDSN(dsn); err != nil {
			log.Debug("[Main] Couldn't configure sentry: ", err.Error())
		}
	}

	log.Debug("[Main] Starting Dispatcher...")

	var modelLoaded atomic.Bool
	jobQueue := make(chan Job, *maxWorkerQueueSize)
	dispatcher := NewDispatcher(jobQueue, *maxWorkers, *modelDir, &modelLoaded, defaultPipeline())
	dispatcher.run()

	env := &serviceEnv{
		jobQueue:    jobQueue,
		modelLoaded: &modelLoaded,
	}
	if *redisAddress != "" {
		cache := newResultCache(*redisAddress, *redisMaxConnections)
		defer cache.close()
		env.cache = cache
	}

	router := makeRouter(env, *staticDir)

	log.Debug("[Main] Listening on ", *listenAddress)
	if err := router.Run(*listenAddress); err != nil {
		log.Fatal("[Main] Couldn't start server: ", err.Error())
	}
}

func makeRouter(env *serviceEnv, staticDir string) *gin.Engine {
	router := gin.Default()

	router.Use(corsHeaders())
	router.Use(limitRequestSize(maxUploadBytes))

	if staticDir != "" {
		if _, err := os.Stat(staticDir); err == nil {
			router.Use(static.Serve("/", static.LocalFile(staticDir, false)))
		}
	}

	router.GET("/api/health", env.healthHandler)
	router.POST("/api/segment", env.segmentHandler)
	router.POST("/api/batch", env.batchHandler)

	router.OPTIONS("/api/segment", func(c *gin.Context) {
		c.JSON(http.StatusOK, struct{}{})
	})
	router.OPTIONS("/api/batch", func(c *gin.Context) {
		c.JSON(http.StatusOK, struct{}{})
	})

	return router
}

func corsHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With, X-PINGOTHER, X-File-Name, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		c.Next()
	}
}

func limitRequestSize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				datastructures.ErrorResponse{Success: false, Error: requestTooLargeMessage})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func envOrDefault(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
