package service

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/devrev/tabsync/internal/metrics"
)

func TestEventHub_FansOut(t *testing.T) {
	hub := newEventHub(4, metrics.New())
	a, cancelA := hub.subscribe()
	b, cancelB := hub.subscribe()
	defer cancelB()

	hub.publish(TablesChanged{Tables: []string{"todo"}})
	assert.Equal(t, TablesChanged{Tables: []string{"todo"}}, <-a)
	assert.Equal(t, TablesChanged{Tables: []string{"todo"}}, <-b)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	hub.publish(TablesChanged{Tables: []string{"note"}})
	assert.Equal(t, TablesChanged{Tables: []string{"note"}}, <-b)
}

func TestEventHub_DropsForSlowSubscriber(t *testing.T) {
	m := metrics.New()
	hub := newEventHub(1, m)
	ch, cancel := hub.subscribe()
	defer cancel()

	hub.publish(TablesChanged{Tables: []string{"a"}})
	hub.publish(TablesChanged{Tables: []string{"b"}})

	assert.Equal(t, TablesChanged{Tables: []string{"a"}}, <-ch)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDroppedTotal))
}
