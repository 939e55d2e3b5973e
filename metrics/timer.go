package metrics

import "time"

// timer measures the time between its creation and Stop.
type timer struct {
	client Client
	name   string
	tags   Tags
	start  time.Time
}

// Timer starts measuring. Stop reports the elapsed time as a timing metric
// under the given name and tags.
func Timer(client Client, name string, tags Tags) *timer {
	return &timer{
		client: client,
		name:   name,
		tags:   tags,
		start:  time.Now(),
	}
}

func (t *timer) Stop() {
	t.client.Timing(t.name, t.tags, time.Since(t.start))
}
