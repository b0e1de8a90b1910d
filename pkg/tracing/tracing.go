package tracing

import (
	"context"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config Jaeger 导出配置，Enabled 为 false 时全部操作为空操作
type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // 0.0-1.0
}

const (
	httpTraceHeader = "X-Trace-ID"
	defaultSpanName = "request"
	tracerName      = "spotbot/tracing"
	unknownService  = "spotbot"
)

var tracingEnabled atomic.Bool

func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		tracingEnabled.Store(false)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = unknownService
	}

	sampleRate := cfg.SampleRate
	switch {
	case sampleRate <= 0:
		sampleRate = 0
	case sampleRate >= 1:
		sampleRate = 1
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.New(
		context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)

	return tp.Shutdown, nil
}

// HTTPMiddleware HTTP请求追踪中间件
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tracingEnabled.Load() {
			next.ServeHTTP(w, r)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		)
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			w.Header().Set(httpTraceHeader, traceID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFromContext 当前 span 的 trace id，没有时为空
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// StartSpan 开始一个新span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !tracingEnabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	if name == "" {
		name = defaultSpanName
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SetAttributes 给当前 span 添加属性
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if !tracingEnabled.Load() || ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// SetError 记录错误
func SetError(ctx context.Context, err error) {
	if !tracingEnabled.Load() || ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InjectHTTP 注入trace到HTTP请求头
func InjectHTTP(ctx context.Context, req *http.Request) {
	if !tracingEnabled.Load() || ctx == nil || req == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}
