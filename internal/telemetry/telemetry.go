package telemetry

import (
	"github.com/posthog/posthog-go"
)

// Service defines the interface for product telemetry.
type Service interface {
	Track(userID, event string, properties map[string]any)
	Identify(userID string, properties map[string]any)
	Close()
}

// NoopService is a telemetry service that does nothing.
type NoopService struct{}

func (s *NoopService) Track(userID, event string, properties map[string]any) {}
func (s *NoopService) Identify(userID string, properties map[string]any)     {}
func (s *NoopService) Close()                                                {}

type posthogService struct {
	client posthog.Client
}

// New creates a telemetry service. Returns NoopService if apiKey is empty
// or the client cannot be built.
func New(apiKey, endpoint string) Service {
	if apiKey == "" {
		return &NoopService{}
	}

	if endpoint == "" {
		endpoint = "https://us.i.posthog.com"
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return &NoopService{}
	}

	return &posthogService{client: client}
}

func properties(in map[string]any) posthog.Properties {
	props := posthog.NewProperties()
	for k, v := range in {
		props.Set(k, v)
	}
	return props
}

func (s *posthogService) Track(userID, event string, props map[string]any) {
	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: userID,
		Event:      event,
		Properties: properties(props),
	})
}

func (s *posthogService) Identify(userID string, props map[string]any) {
	_ = s.client.Enqueue(posthog.Identify{
		DistinctId: userID,
		Properties: properties(props),
	})
}

func (s *posthogService) Close() {
	_ = s.client.Close()
}
