package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	rediscache "goa.design/flow/features/cache/redis"
	mongostore "goa.design/flow/features/store/mongo"
	flowstream "goa.design/flow/features/stream/pulse"
	clientspulse "goa.design/flow/features/stream/pulse/clients/pulse"
	"goa.design/flow/runtime/cache"
	"goa.design/flow/runtime/credentials"
	"goa.design/flow/runtime/engine"
	"goa.design/flow/runtime/execution"
	executioninmem "goa.design/flow/runtime/execution/inmem"
	"goa.design/flow/runtime/hooks"
	"goa.design/flow/runtime/node"
	"goa.design/flow/runtime/schedule"
	scheduleinmem "goa.design/flow/runtime/schedule/inmem"
	"goa.design/flow/runtime/telemetry"
	"goa.design/flow/runtime/trigger"
	"goa.design/flow/runtime/webhook"
	"goa.design/flow/runtime/workflow"
	workflowinmem "goa.design/flow/runtime/workflow/inmem"
)

// Pool and replicated map names shared by every replica of a deployment.
const (
	schedulePoolName   = "flow:schedule:pool"
	scheduleMirrorName = "flow:schedule:jobs"
)

// Services holds the wired runtime components. Components reference each
// other through their interfaces only; construction order follows the
// dependency direction.
type Services struct {
	Logger      telemetry.Logger
	Bus         hooks.Bus
	Nodes       node.Registry
	Credentials credentials.Store
	Cache       cache.Cache
	Engine      engine.Engine
	Workflows   *workflow.Service
	Executions  execution.Store
	Triggers    trigger.Manager
	Schedules   *schedule.Manager
	Registry    *webhook.Registry
	Webhooks    *webhook.Server
	Streams     *flowstream.ExecutionStreams
	Pingers     []health.Pinger

	redis *redis.Client
	mongo *mongo.Client
}

// newServices builds the full component graph from the configuration.
func newServices(ctx context.Context, cfg Config) (*Services, error) {
	s := &Services{
		Logger:      telemetry.NewClueLogger(),
		Nodes:       node.NewBuiltinRegistry(),
		Credentials: credentials.NewMemStore(),
	}
	tracer := telemetry.NewClueTracer()
	metrics := telemetry.NewClueMetrics()

	s.Bus = hooks.NewBus(ctx, s.Logger)

	// Backends. An empty address selects the in-memory implementation.
	var (
		workflowStore workflow.Store
		scheduleStore schedule.Store
		poolNode      *pool.Node
		mirror        schedule.Mirror
	)
	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		rc := rediscache.New(s.redis, s.Logger)
		s.Cache = rc
		s.Pingers = append(s.Pingers, rc)

		m, err := rmap.Join(ctx, scheduleMirrorName, s.redis)
		if err != nil {
			return nil, fmt.Errorf("join schedule mirror: %w", err)
		}
		mirror = m
		poolNode, err = pool.AddNode(ctx, schedulePoolName, s.redis)
		if err != nil {
			return nil, fmt.Errorf("join schedule pool: %w", err)
		}

		pc, err := clientspulse.New(clientspulse.Options{
			Redis:        s.redis,
			StreamMaxLen: cfg.Stream.MaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("create pulse client: %w", err)
		}
		s.Streams, err = flowstream.NewExecutionStreams(flowstream.ExecutionStreamsOptions{
			Client: pc,
			Bus:    s.Bus,
		})
		if err != nil {
			return nil, fmt.Errorf("create execution streams: %w", err)
		}
	} else {
		s.Cache = cache.NewMemory()
		mirror = schedule.NewLocalMirror()
		log.Print(ctx, log.KV{K: "msg", V: "redis not configured, using in-process cache and scheduling"})
	}

	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		s.mongo = client
		opts := mongostore.Options{Client: client, Database: cfg.Mongo.Database}
		ws, err := mongostore.NewWorkflowStore(opts)
		if err != nil {
			return nil, err
		}
		es, err := mongostore.NewExecutionStore(ctx, opts)
		if err != nil {
			return nil, err
		}
		ss, err := mongostore.NewScheduleStore(ctx, opts)
		if err != nil {
			return nil, err
		}
		workflowStore, s.Executions, scheduleStore = ws, es, ss
		s.Pingers = append(s.Pingers, ws, es, ss)
	} else {
		workflowStore = workflowinmem.New()
		s.Executions = executioninmem.New()
		scheduleStore = scheduleinmem.New()
		log.Print(ctx, log.KV{K: "msg", V: "mongo not configured, using in-memory stores"})
	}

	eng, err := engine.New(engine.Options{
		Registry:    s.Nodes,
		Bus:         s.Bus,
		Store:       s.Executions,
		Credentials: s.Credentials,
		Logger:      s.Logger,
		Tracer:      tracer,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}
	s.Engine = eng

	s.Triggers = trigger.NewManager(trigger.Options{
		Workflows:      workflowStore,
		Engine:         s.Engine,
		Cache:          s.Cache,
		Logger:         s.Logger,
		Metrics:        metrics,
		MaxConcurrent:  cfg.Trigger.MaxConcurrent,
		MaxPerWorkflow: cfg.Trigger.MaxPerWorkflow,
		MaxPerUser:     cfg.Trigger.MaxPerUser,
		Policy:         trigger.ConflictPolicy(cfg.Trigger.Policy),
		MaxQueueSize:   cfg.Trigger.MaxQueueSize,
		QueueTimeout:   time.Duration(cfg.Trigger.QueueTimeout),
	})

	s.Schedules = schedule.NewManager(schedule.Options{
		Store:      scheduleStore,
		Workflows:  workflowStore,
		Triggers:   s.Triggers,
		Mirror:     mirror,
		Pool:       poolNode,
		Logger:     s.Logger,
		Metrics:    metrics,
		Resolution: time.Duration(cfg.Schedule.Resolution),
	})

	s.Registry = webhook.NewRegistry()
	s.Webhooks = webhook.NewServer(webhook.ServerOptions{
		Registry:    s.Registry,
		Manager:     s.Triggers,
		Cache:       s.Cache,
		Credentials: s.Credentials,
		Bus:         s.Bus,
		Logger:      s.Logger,
		WaitTimeout: time.Duration(cfg.Webhook.WaitTimeout),
	})

	s.Workflows = workflow.NewService(workflowStore, s.Logger,
		&webhook.Syncer{Registry: s.Registry}, s.Schedules)

	return s, nil
}

// Start brings up the background components: reloads active triggers into
// the webhook registry and starts the schedule manager.
func (s *Services) Start(ctx context.Context) error {
	active, err := s.Workflows.List(ctx, true)
	if err != nil {
		return fmt.Errorf("load active workflows: %w", err)
	}
	syncer := &webhook.Syncer{Registry: s.Registry}
	for _, wf := range active {
		if err := syncer.SyncWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("register webhooks of workflow %q: %w", wf.ID, err)
		}
	}
	if err := s.Schedules.Start(ctx); err != nil {
		return fmt.Errorf("start schedule manager: %w", err)
	}
	return nil
}

// Close shuts the components down in reverse dependency order.
func (s *Services) Close(ctx context.Context) {
	s.Schedules.Stop()
	s.Triggers.Close()
	if s.Streams != nil {
		if err := s.Streams.Close(ctx); err != nil {
			log.Printf(ctx, "close execution streams: %v", err)
		}
	}
	s.Bus.Close()
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			log.Printf(ctx, "disconnect mongo: %v", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf(ctx, "close redis: %v", err)
		}
	}
}
