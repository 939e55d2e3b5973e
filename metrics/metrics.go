package metrics

import "time"

type Tags map[string]string

type Client interface {
	Counter(name string, tags Tags, value float64)

	Distribution(name string, tags Tags, value float64)

	Timing(name string, tags Tags, duration time.Duration)

	WithTags(tags Tags) Client
}

type noopClient struct{}

// NewNoopClient returns a metrics client that discards all measurements.
func NewNoopClient() Client {
	return &noopClient{}
}

func (*noopClient) Counter(name string, tags Tags, value float64) {}

func (*noopClient) Distribution(name string, tags Tags, value float64) {}

func (*noopClient) Timing(name string, tags Tags, duration time.Duration) {}

func (c *noopClient) WithTags(tags Tags) Client { return c }
