package e2e

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"alertengine/test/testutil"
)

const (
	e2eEventsStream = "ALERTENGINE_EVENTS"
	e2eEventsSubj   = "alertengine.events"
)

func TestMultiServiceNATSSharesDedupAcrossReplicas(t *testing.T) {
	natsURL := testutil.JetStream(t)

	ensureEventStream(t, natsURL, e2eEventsStream, e2eEventsSubj)
	ensureStateBuckets(t, natsURL)

	collector := &webhookCollector{}
	webhook := httptest.NewServer(http.HandlerFunc(collector.Handle))
	defer webhook.Close()

	portA, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port A: %v", err)
	}
	portB, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port B: %v", err)
	}

	serviceA := newServiceFromConfig(t, writeConfig(t, "svc-a.toml", e2eNATSConfig(portA, webhook.URL, natsURL, "svc-a", "acme")))
	serviceB := newServiceFromConfig(t, writeConfig(t, "svc-b.toml", e2eNATSConfig(portB, webhook.URL, natsURL, "svc-b", "acme")))

	cancelA, doneA := runService(t, serviceA)
	defer cancelA()
	cancelB, doneB := runService(t, serviceB)
	defer cancelB()

	waitReady(t, portA)
	waitReady(t, portB)

	events := []string{
		patentEventJSON("e1", "US1", "Acme"),
		patentEventJSON("e2", "US1", "Acme"),
		patentEventJSON("e3", "US1", "Acme"),
		patentEventJSON("e4", "US2", "Acme"),
		patentEventJSON("e5", "US3", "Globex"),
	}
	testutil.Publish(t, natsURL, e2eEventsSubj, events...)

	if !waitUntil(10*time.Second, func() bool { return collector.Count("acme") >= 2 }) {
		t.Fatalf("missing notifications: total=%d", collector.Total())
	}
	time.Sleep(time.Second)
	if got := collector.Count("acme"); got != 2 {
		t.Fatalf("expected exactly 2 notifications across replicas, got %d", got)
	}

	cancelA()
	cancelB()
	waitServiceStop(t, doneA)
	waitServiceStop(t, doneB)
}
