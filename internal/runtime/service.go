package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"google.golang.org/protobuf/proto"

	configpkg "github.com/drblury/docflow/internal/runtime/config"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	schemapkg "github.com/drblury/docflow/internal/runtime/schema"
	trackingpkg "github.com/drblury/docflow/internal/runtime/tracking"
	transportpkg "github.com/drblury/docflow/internal/runtime/transport"
	roottransport "github.com/drblury/docflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ProtoValidator validates unmarshalled payloads. Implementations typically
// forward to protovalidate or a custom struct validator.
type ProtoValidator interface {
	Validate(value any) error
}

// OutboxStore persists processed messages so they can be forwarded reliably.
type OutboxStore interface {
	StoreOutgoingMessage(ctx context.Context, eventType, uuid, payload string) error
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to skip the related middleware.
type ServiceDependencies struct {
	Outbox                    OutboxStore
	Validator                 ProtoValidator
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	ErrorClassifier           ErrorClassifier

	// Tracker is the tracking store behind idempotent delivery and the stuck
	// scanner. Nil disables tracking: envelope handlers with an EntityType
	// fail registration, and the scanner cannot be started.
	Tracker trackingpkg.Store

	// SchemaRegistry shares a schema registry between services. Nil creates a
	// fresh one.
	SchemaRegistry *schemapkg.Registry
}

// Service wires a Watermill router, publisher, subscriber, and middleware chain.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	validator ProtoValidator
	outbox    OutboxStore

	protoRegistry   map[string]func() proto.Message
	protoRegistryMu sync.RWMutex

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	schemaRegistry *schemapkg.Registry
	tracker        trackingpkg.Store
	failedStore    roottransport.FailedStore
	failedMetrics  *FailedQueueMetrics

	envelopeRoutes   []envelopeRoute
	envelopeRoutesMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
}

// NewService constructs a Service for the supplied configuration. Register handlers
// on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		validator:       deps.Validator,
		outbox:          deps.Outbox,
		protoRegistry:   make(map[string]func() proto.Message),
		resourceTracker: newResourceTracker(),
	}

	if deps.ErrorClassifier != nil {
		s.errorClassifier = deps.ErrorClassifier
	} else {
		s.errorClassifier = defaultErrorClassifier
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		panic(err)
	}

	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	s.schemaRegistry = deps.SchemaRegistry
	if s.schemaRegistry == nil {
		s.schemaRegistry = schemapkg.NewRegistry()
	}
	s.tracker = deps.Tracker

	// SQL transports implement the durable failed-message store on the same
	// value as the publisher.
	if store, ok := s.publisher.(roottransport.FailedStore); ok {
		s.failedStore = store
	}

	s.failedMetrics = NewFailedQueueMetrics(nil)
	if err := s.failedMetrics.Register(); err != nil {
		panic(err)
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		panic(err)
	}

	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	s.registerConfiguredMiddlewares(deps)

	return s
}

// TryNewService is NewService with errors instead of panics, for callers that
// want to surface transport or middleware failures.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (s *Service, err error) {
	defer func() {
		if r := recover(); r != nil {
			s = nil
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("docflow: creating service: %v", r)
		}
	}()
	return NewService(conf, log, ctx, deps), nil
}

// Start runs the underlying Watermill router until the provided context is
// cancelled. Before serving, it cross-checks the envelope topology against
// the schema registry and republishes pending tracked work left over from a
// previous run.
func (s *Service) Start(ctx context.Context) error {
	if err := s.ValidateTopology(); err != nil {
		return err
	}
	s.runStartupRequeue(ctx)
	s.StartWebUIServer()
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// SchemaRegistry returns the service's schema registry.
func (s *Service) SchemaRegistry() *schemapkg.Registry {
	return s.schemaRegistry
}

// Tracker returns the tracking store, or nil when tracking is disabled.
func (s *Service) Tracker() trackingpkg.Store {
	return s.tracker
}

// FailedStore returns the transport's durable failed-message store, when the
// configured transport has one.
func (s *Service) FailedStore() (roottransport.FailedStore, bool) {
	return s.failedStore, s.failedStore != nil
}

// FailedQueueMetricsCollector returns the failed-queue metrics collector.
func (s *Service) FailedQueueMetricsCollector() *FailedQueueMetrics {
	return s.failedMetrics
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			panic(fmt.Sprintf("failed to register middleware %s: %v", name, err))
		}
	}
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
