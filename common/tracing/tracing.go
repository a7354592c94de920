package tracing

import (
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// Init returns a Jaeger tracer that samples every span and reports to the agent at host
// ("hostname:port"). The tracer is also installed as the opentracing global tracer.
func Init(serviceName string, host string) (opentracing.Tracer, error) {
	cfg := &jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:            false,
			BufferFlushInterval: time.Second,
			LocalAgentHostPort:  host,
		},
	}

	tracer, _, err := cfg.NewTracer(jaegercfg.Logger(jaeger.NullLogger))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger tracer for \"%s\": %w", serviceName, err)
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, nil
}
