package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/52poke/hondana/internal/api"
	"github.com/52poke/hondana/internal/cache"
	"github.com/52poke/hondana/internal/catalog"
	"github.com/52poke/hondana/internal/config"
	"github.com/52poke/hondana/internal/events"
	httpx "github.com/52poke/hondana/internal/http"
	"github.com/52poke/hondana/internal/lifecycle"
	"github.com/52poke/hondana/internal/lock"
	"github.com/52poke/hondana/internal/logger"
	"github.com/52poke/hondana/internal/metrics"
	"github.com/52poke/hondana/internal/purge"
	"github.com/52poke/hondana/internal/push"
	"github.com/52poke/hondana/internal/upstream"
	"github.com/52poke/hondana/internal/worker"
)

func main() {
	genKeys := flag.Bool("gen-vapid-keys", false, "print a new VAPID key pair and exit")
	flag.Parse()

	if *genKeys {
		keys, err := push.GenerateVAPIDKeys()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("HONDANA_VAPID_PUBLIC_KEY=%s\nHONDANA_VAPID_PRIVATE_KEY=%s\n", keys.PublicKey, keys.PrivateKey)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logr := logger.New(cfg.LogLevel)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisClient.Close()
	}

	store, err := newCacheStore(ctx, cfg, redisClient)
	if err != nil {
		log.Fatal(err)
	}

	client := upstream.NewClient(cfg.UpstreamBaseURL)
	engine := worker.NewEngine(store, client, logr)

	opts := []lifecycle.Option{lifecycle.WithUpdateInterval(cfg.UpdateInterval())}
	if redisClient != nil {
		opts = append(opts, lifecycle.WithLocker(lock.NewRedisLocker(redisClient), cfg.LockTTL()))
	}
	manager := lifecycle.NewManager(lifecycle.NewSource(cfg.ManifestSource), engine, logr, opts...)
	if err := manager.Register(ctx); err != nil {
		logr.Error("worker registration failed", "source", cfg.ManifestSource, "error", err)
	}
	go manager.Run(ctx)
	go worker.NewJanitor(engine, manager.Manifest, cfg.PurgeInterval(), logr).Run(ctx)

	var pool *pgxpool.Pool
	if cfg.RegistryStore == config.StorePostgres || cfg.CatalogStore == config.StorePostgres {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
	}

	subs, err := newSubscriptionStore(ctx, cfg, pool)
	if err != nil {
		log.Fatal(err)
	}
	registry, err := push.NewRegistry(ctx, subs, logr)
	if err != nil {
		log.Fatal(err)
	}
	if !cfg.HasVAPID() {
		logr.Warn("VAPID keys are not configured, push delivery is disabled")
	}
	sender := push.NewWebPushSender(push.VAPIDKeys{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	}, time.Duration(cfg.PushTTLSeconds)*time.Second, nil)
	dispatcher := push.NewDispatcher(registry, sender, cfg.DispatchConcurrency, logr)

	var books catalog.Source = catalog.NewMemorySource()
	if cfg.CatalogStore == config.StorePostgres {
		books = catalog.NewPostgresSource(pool)
	}

	eventHandler := events.NewHandler(dispatcher, logr)
	var publisher events.Publisher
	direct := events.NewDirectPublisher(eventHandler)
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer producer.Close()
		publisher = producer

		consumer := events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaGroupID, eventHandler, logr)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logr.Error("event consumer stopped", "error", err)
			}
		}()
	} else {
		publisher = direct
	}

	proxy, err := httpx.NewHandler(engine, client, manager.Manifest, logr)
	if err != nil {
		log.Fatal(err)
	}
	srv := &api.Server{
		Registry:       registry,
		Dispatcher:     dispatcher,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		Poller:         catalog.NewPoller(books, logr),
		Events:         publisher,
		Worker:         manager,
		Proxy:          proxy,
		Purge: &purge.Handler{
			Cache:    store,
			Upstream: client,
			Manifest: manager.Manifest,
			Logger:   logr,
		},
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logr,
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("shutdown failed", "error", err)
		}
	}()

	logr.Info("listening", "addr", cfg.ListenAddr, "upstream", cfg.UpstreamBaseURL, "worker", manager.State())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	direct.Wait()
	engine.Wait()
}

func newCacheStore(ctx context.Context, cfg config.Config, redisClient *redis.Client) (cache.Store, error) {
	if cfg.CacheStore != config.StoreRedis {
		return cache.NewMemoryStore(), nil
	}
	var blobs cache.BlobStore
	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		)
		if err != nil {
			return nil, err
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		})
		blobs = cache.NewS3BlobStore(cfg.S3Bucket, s3Client)
	}
	return cache.NewRedisStore(redisClient, blobs), nil
}

func newSubscriptionStore(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (push.Store, error) {
	switch cfg.RegistryStore {
	case config.StorePostgres:
		return push.NewPostgresStore(pool), nil
	case config.StoreDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, err
		}
		db := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
			}
		})
		return push.NewDynamoStore(db, cfg.DynamoTable), nil
	default:
		return push.NewMemoryStore(), nil
	}
}
